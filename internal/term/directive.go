package term

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultRelayPrefix marks a line of agent terminal output as a relay
// directive.
const DefaultRelayPrefix = "->relay:"

type DirectiveKind string

const (
	DirectiveSend    DirectiveKind = "send"
	DirectiveSpawn   DirectiveKind = "spawn"
	DirectiveRelease DirectiveKind = "release"
)

// SpawnSpec mirrors the lifecycle manager's spawn request as agents
// phrase it in a directive.
type SpawnSpec struct {
	Name          string   `json:"name"`
	CLI           string   `json:"cli"`
	Task          string   `json:"task"`
	Team          string   `json:"team,omitempty"`
	Cwd           string   `json:"cwd,omitempty"`
	ShadowOf      string   `json:"shadowOf,omitempty"`
	ShadowSpeakOn []string `json:"shadowSpeakOn,omitempty"`
}

type ReleaseSpec struct {
	Name  string `json:"name"`
	Force bool   `json:"force,omitempty"`
}

// Directive is one parsed relay command extracted from terminal output.
type Directive struct {
	Kind    DirectiveKind
	To      string
	Topic   string
	Body    string
	Spawn   *SpawnSpec
	Release *ReleaseSpec
}

// ParseDirective scans one output line for the relay prefix. Returns
// (nil, false, nil) for ordinary output. Recognized forms after the
// prefix:
//
//	@Name message...        direct send
//	* message...            broadcast
//	#topic message...       topic send
//	spawn {json}            spawn a worker
//	release Name            release a worker
//	release {json}          release with options
func ParseDirective(line, prefix string) (*Directive, bool, error) {
	if prefix == "" {
		prefix = DefaultRelayPrefix
	}
	idx := strings.Index(line, prefix)
	if idx < 0 {
		return nil, false, nil
	}
	rest := strings.TrimSpace(line[idx+len(prefix):])
	if rest == "" {
		return nil, true, fmt.Errorf("empty relay directive")
	}

	switch {
	case strings.HasPrefix(rest, "@"):
		target, body, ok := splitTargetBody(rest[1:])
		if !ok {
			return nil, true, fmt.Errorf("send directive missing body: %q", rest)
		}
		return &Directive{Kind: DirectiveSend, To: target, Body: body}, true, nil

	case strings.HasPrefix(rest, "*"):
		body := strings.TrimSpace(rest[1:])
		if body == "" {
			return nil, true, fmt.Errorf("broadcast directive missing body: %q", rest)
		}
		return &Directive{Kind: DirectiveSend, To: "*", Body: body}, true, nil

	case strings.HasPrefix(rest, "#"):
		topic, body, ok := splitTargetBody(rest[1:])
		if !ok {
			return nil, true, fmt.Errorf("topic directive missing body: %q", rest)
		}
		return &Directive{Kind: DirectiveSend, Topic: topic, Body: body}, true, nil

	case strings.HasPrefix(rest, "spawn "):
		arg := strings.TrimSpace(rest[len("spawn "):])
		var spec SpawnSpec
		if err := json.Unmarshal([]byte(arg), &spec); err != nil {
			return nil, true, fmt.Errorf("spawn directive: %w", err)
		}
		if spec.Name == "" || spec.CLI == "" {
			return nil, true, fmt.Errorf("spawn directive requires name and cli: %q", arg)
		}
		return &Directive{Kind: DirectiveSpawn, Spawn: &spec}, true, nil

	case strings.HasPrefix(rest, "release "):
		arg := strings.TrimSpace(rest[len("release "):])
		var spec ReleaseSpec
		if strings.HasPrefix(arg, "{") {
			if err := json.Unmarshal([]byte(arg), &spec); err != nil {
				return nil, true, fmt.Errorf("release directive: %w", err)
			}
		} else {
			spec.Name = arg
		}
		if spec.Name == "" {
			return nil, true, fmt.Errorf("release directive missing name: %q", arg)
		}
		return &Directive{Kind: DirectiveRelease, Release: &spec}, true, nil

	default:
		return nil, true, fmt.Errorf("unrecognized relay directive: %q", rest)
	}
}

func splitTargetBody(s string) (string, string, bool) {
	s = strings.TrimSpace(s)
	i := strings.IndexByte(s, ' ')
	if i <= 0 {
		return "", "", false
	}
	target := s[:i]
	body := strings.TrimSpace(s[i+1:])
	if target == "" || body == "" {
		return "", "", false
	}
	return target, body, true
}
