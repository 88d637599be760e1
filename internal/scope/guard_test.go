package scope

import (
	"testing"

	"github.com/rubenmavarezb/aidf-sub001/internal/aidferr"
)

func change(path string) FileChange {
	return FileChange{Path: path, Kind: KindModified}
}

func TestCheckAllowed(t *testing.T) {
	g := NewGuard(TaskScope{Allowed: []string{"src/**"}}, ModeStrict)
	d := g.Check([]FileChange{change("src/api/server.go")})
	if d.Verdict != VerdictAllow {
		t.Errorf("verdict = %s, want ALLOW", d.Verdict)
	}
}

func TestCheckOutsideAllowedByMode(t *testing.T) {
	scope := TaskScope{Allowed: []string{"src/**"}}
	cases := []struct {
		mode Mode
		want Verdict
	}{
		{ModeStrict, VerdictBlock},
		{ModeAsk, VerdictAskUser},
		{ModePermissive, VerdictAllow},
	}
	for _, tc := range cases {
		g := NewGuard(scope, tc.mode)
		d := g.Check([]FileChange{change("docs/readme.md")})
		if d.Verdict != tc.want {
			t.Errorf("mode %s: verdict = %s, want %s", tc.mode, d.Verdict, tc.want)
		}
		if tc.want == VerdictBlock {
			if d.Err == nil || d.Err.Code != aidferr.CodeScopeOutsideAllowed {
				t.Errorf("mode %s: want OUTSIDE_ALLOWED error, got %v", tc.mode, d.Err)
			}
		}
	}
}

func TestCheckForbiddenBeatsAllowed(t *testing.T) {
	g := NewGuard(TaskScope{
		Allowed:   []string{"**"},
		Forbidden: []string{"config/**"},
	}, ModePermissive)
	d := g.Check([]FileChange{change("config/secret.ts")})
	if d.Verdict != VerdictBlock {
		t.Fatalf("verdict = %s, want BLOCK", d.Verdict)
	}
	if d.Err.Code != aidferr.CodeScopeForbidden {
		t.Errorf("code = %s, want FORBIDDEN", d.Err.Code)
	}
}

func TestImplicitForbidden(t *testing.T) {
	g := NewGuard(TaskScope{Allowed: []string{"**"}}, ModeStrict)
	for _, path := range []string{".env", ".env.production", "deploy/server.key", "certs/tls.pem", "ops/credentials.json", ".ssh/id_rsa"} {
		d := g.Check([]FileChange{change(path)})
		if d.Verdict != VerdictBlock {
			t.Errorf("%s: verdict = %s, want BLOCK", path, d.Verdict)
		}
	}
}

func TestImplicitForbiddenExemptions(t *testing.T) {
	g := NewGuard(TaskScope{Allowed: []string{"**"}}, ModeStrict)
	for _, path := range []string{".env.example", ".env.sample", "config/server.key.template"} {
		d := g.Check([]FileChange{change(path)})
		if d.Verdict != VerdictAllow {
			t.Errorf("%s: verdict = %s, want ALLOW", path, d.Verdict)
		}
	}
}

func TestImplicitForbiddenOverride(t *testing.T) {
	g := NewGuard(TaskScope{
		Allowed:                []string{"**"},
		AllowImplicitForbidden: []string{".env.test"},
	}, ModeStrict)
	if d := g.Check([]FileChange{change(".env.test")}); d.Verdict != VerdictAllow {
		t.Errorf(".env.test with override: verdict = %s, want ALLOW", d.Verdict)
	}
	if d := g.Check([]FileChange{change(".env")}); d.Verdict != VerdictBlock {
		t.Errorf(".env without override: verdict = %s, want BLOCK", d.Verdict)
	}
}

func TestImplicitForbiddenAskMode(t *testing.T) {
	g := NewGuard(TaskScope{Allowed: []string{"**"}}, ModeAsk)
	d := g.Check([]FileChange{change(".env")})
	if d.Verdict != VerdictAskUser {
		t.Errorf("ask mode implicit-forbidden: verdict = %s, want ASK_USER", d.Verdict)
	}
}

func TestAskBeforeAndApprove(t *testing.T) {
	g := NewGuard(TaskScope{
		Allowed:   []string{"src/**"},
		AskBefore: []string{"src/migrations/**"},
	}, ModeStrict)

	d := g.Check([]FileChange{change("src/migrations/001.sql")})
	if d.Verdict != VerdictAskUser {
		t.Fatalf("verdict = %s, want ASK_USER", d.Verdict)
	}
	if len(d.Files) != 1 || d.Files[0] != "src/migrations/001.sql" {
		t.Errorf("files = %v", d.Files)
	}

	g.Approve(d.Files)
	if !g.IsApproved("src/migrations/001.sql") {
		t.Error("path should be approved")
	}
	if d := g.Check([]FileChange{change("src/migrations/001.sql")}); d.Verdict != VerdictAllow {
		t.Errorf("after approval: verdict = %s, want ALLOW", d.Verdict)
	}
}

func TestGlobSemantics(t *testing.T) {
	g := NewGuard(TaskScope{Allowed: []string{"src/*.go"}}, ModeStrict)
	if d := g.Check([]FileChange{change("src/main.go")}); d.Verdict != VerdictAllow {
		t.Error("* should match within one segment")
	}
	if d := g.Check([]FileChange{change("src/api/main.go")}); d.Verdict != VerdictBlock {
		t.Error("* must not cross path separators")
	}

	g2 := NewGuard(TaskScope{Allowed: []string{"src/**"}}, ModeStrict)
	if d := g2.Check([]FileChange{change("src/a/b/c.go")}); d.Verdict != VerdictAllow {
		t.Error("** should match any depth")
	}

	// Case-sensitive regardless of host OS.
	if d := g2.Check([]FileChange{change("SRC/a.go")}); d.Verdict != VerdictBlock {
		t.Error("matching must be case-sensitive")
	}
}

func TestChangesToRevert(t *testing.T) {
	g := NewGuard(TaskScope{
		Allowed:   []string{"src/**"},
		AskBefore: []string{"docs/**"},
	}, ModeStrict)
	changes := []FileChange{
		change("src/ok.go"),
		change("docs/guide.md"),
		change("vendor/lib.go"),
	}
	revert := g.ChangesToRevert(changes)
	if len(revert) != 1 || revert[0].Path != "vendor/lib.go" {
		t.Errorf("revert = %v, want only vendor/lib.go", revert)
	}
}

func TestMixedBlockDominates(t *testing.T) {
	g := NewGuard(TaskScope{
		Allowed:   []string{"src/**"},
		AskBefore: []string{"docs/**"},
	}, ModeStrict)
	d := g.Check([]FileChange{change("docs/a.md"), change("etc/other.txt")})
	if d.Verdict != VerdictBlock {
		t.Errorf("verdict = %s, want BLOCK (block dominates ask)", d.Verdict)
	}
	if len(d.Files) != 1 || d.Files[0] != "etc/other.txt" {
		t.Errorf("blocked files = %v", d.Files)
	}
}

func TestPatternsOverlap(t *testing.T) {
	cases := []struct {
		a, b []string
		want bool
	}{
		{[]string{"src/shared/**"}, []string{"src/shared/**"}, true},
		{[]string{"src/api/**"}, []string{"src/web/**"}, false},
		{[]string{"src/**"}, []string{"src/api/handlers/*.go"}, true},
		{[]string{"docs/*.md"}, []string{"src/**"}, false},
		{[]string{"**"}, []string{"src/**"}, true},
	}
	for _, tc := range cases {
		if got := PatternsOverlap(tc.a, tc.b); got != tc.want {
			t.Errorf("PatternsOverlap(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
