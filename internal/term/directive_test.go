package term

import (
	"testing"
)

func TestParseDirectiveSend(t *testing.T) {
	d, matched, err := ParseDirective("some noise ->relay:@Lead build is green", "")
	if err != nil || !matched {
		t.Fatalf("expected match, got matched=%v err=%v", matched, err)
	}
	if d.Kind != DirectiveSend || d.To != "Lead" || d.Body != "build is green" {
		t.Errorf("unexpected directive: %+v", d)
	}
}

func TestParseDirectiveBroadcast(t *testing.T) {
	d, _, err := ParseDirective("->relay:* stand up in 5", "")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if d.To != "*" || d.Body != "stand up in 5" {
		t.Errorf("unexpected directive: %+v", d)
	}
}

func TestParseDirectiveTopic(t *testing.T) {
	d, _, err := ParseDirective("->relay:#builds main is red", "")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if d.Topic != "builds" || d.Body != "main is red" {
		t.Errorf("unexpected directive: %+v", d)
	}
}

func TestParseDirectiveSpawn(t *testing.T) {
	d, _, err := ParseDirective(`->relay:spawn {"name":"Worker1","cli":"claude","task":"fix bug"}`, "")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if d.Kind != DirectiveSpawn || d.Spawn.Name != "Worker1" || d.Spawn.Task != "fix bug" {
		t.Errorf("unexpected directive: %+v", d.Spawn)
	}
}

func TestParseDirectiveRelease(t *testing.T) {
	d, _, err := ParseDirective("->relay:release Worker1", "")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if d.Kind != DirectiveRelease || d.Release.Name != "Worker1" || d.Release.Force {
		t.Errorf("unexpected directive: %+v", d.Release)
	}

	d, _, err = ParseDirective(`->relay:release {"name":"Worker1","force":true}`, "")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !d.Release.Force {
		t.Error("expected force release")
	}
}

func TestParseDirectiveNoMatch(t *testing.T) {
	d, matched, err := ParseDirective("just regular agent output", "")
	if d != nil || matched || err != nil {
		t.Errorf("expected clean no-match, got d=%v matched=%v err=%v", d, matched, err)
	}
}

func TestParseDirectiveErrors(t *testing.T) {
	lines := []string{
		"->relay:",
		"->relay:@Lead",
		"->relay:* ",
		"->relay:spawn {not json",
		`->relay:spawn {"cli":"claude"}`,
		"->relay:release ",
		"->relay:frobnicate now",
	}
	for _, line := range lines {
		_, matched, err := ParseDirective(line, "")
		if !matched {
			t.Errorf("%q: expected prefix match", line)
		}
		if err == nil {
			t.Errorf("%q: expected parse error", line)
		}
	}
}

func TestParseDirectiveCustomPrefix(t *testing.T) {
	d, matched, err := ParseDirective("%%msg:@Lead hi", "%%msg:")
	if err != nil || !matched {
		t.Fatalf("expected match with custom prefix, got matched=%v err=%v", matched, err)
	}
	if d.To != "Lead" {
		t.Errorf("unexpected directive: %+v", d)
	}

	if _, matched, _ := ParseDirective("->relay:@Lead hi", "%%msg:"); matched {
		t.Error("default prefix must not match when a custom prefix is set")
	}
}
