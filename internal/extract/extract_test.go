package extract

import (
	"net/url"
	"strings"
	"testing"
)

func TestApex(t *testing.T) {
	tests := map[string]string{
		"feeds.arstechnica.com": "arstechnica.com",
		"WWW.BBC.CO.UK":         "bbc.co.uk",
		"localhost":             "localhost",
	}
	for in, want := range tests {
		if got := Apex(in); got != want {
			t.Errorf("Apex(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain   text\n here", "plain text here"},
		{"<p>Patch <b>now</b></p><p>CVE-2024-1234</p>", "Patch now CVE-2024-1234"},
		{"Tom &amp; Jerry&#39;s <br/>exploit", "Tom & Jerry's exploit"},
		{"<script>alert(1)</script>visible<style>p{}</style>", "visible"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Text(tt.in); got != tt.want {
			t.Errorf("Text(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("unexpected truncation: %q", got)
	}
	got := Truncate("alpha beta gamma delta", 13)
	if got != "alpha beta…" {
		t.Errorf("expected word-boundary cut, got %q", got)
	}
}

func TestParseLinksAndExternalDomains(t *testing.T) {
	base, _ := url.Parse("https://www.example.com/post/1")
	body := `<p>See <a href="/advisory">advisory</a>, <a href="https://nvd.nist.gov/vuln/detail/CVE-1">NVD</a>
<img src="https://cdn.example.com/x.png"><a href="https://github.com/org/poc">PoC</a></p>`

	links, err := ParseLinks(base, strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(links) != 4 {
		t.Fatalf("expected 4 links, got %d: %v", len(links), links)
	}
	if links[0] != "https://www.example.com/advisory" {
		t.Errorf("expected resolved relative link, got %s", links[0])
	}

	ext := ExternalDomains("www.example.com", links)
	if len(ext) != 2 || ext[0] != "nvd.nist.gov" || ext[1] != "github.com" {
		t.Errorf("unexpected external domains: %v", ext)
	}
}
