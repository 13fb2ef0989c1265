package htmlnorm

import (
	"strings"
	"testing"
)

func TestNormalizeDropsScriptAndStyle(t *testing.T) {
	in := `<div>keep<script>var x = "<b>evil</b>";</script><style>.a{color:red}</style>me</div>`
	out, err := NormalizeString(in)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "script") || strings.Contains(out, "evil") || strings.Contains(out, "color:red") {
		t.Errorf("script/style content leaked: %q", out)
	}
	if !strings.Contains(out, "keep") || !strings.Contains(out, "me") {
		t.Errorf("surrounding text lost: %q", out)
	}
}

func TestNormalizeDropsComments(t *testing.T) {
	out, err := NormalizeString(`<p>a<!-- hidden -->b</p>`)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("comment leaked: %q", out)
	}
}

func TestNormalizeDropsTrackingPixel(t *testing.T) {
	in := `<div><img src="https://tracker.example/p.gif" width="1" height="1"><img src="/flyer.jpg" alt="flyer"></div>`
	out, err := NormalizeString(in)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "tracker.example") {
		t.Errorf("tracking pixel kept: %q", out)
	}
	if !strings.Contains(out, "/flyer.jpg") {
		t.Errorf("real image dropped: %q", out)
	}
}

func TestNormalizeFiltersAttributes(t *testing.T) {
	in := `<div class="calendarRow" style="display:none" onclick="hax()" data-ride-id="1234"><a href="/x" target="_blank">x</a></div>`
	out, err := NormalizeString(in)
	if err != nil {
		t.Fatal(err)
	}
	for _, gone := range []string{"style=", "onclick", "target="} {
		if strings.Contains(out, gone) {
			t.Errorf("attribute %s kept: %q", gone, out)
		}
	}
	for _, kept := range []string{`class="calendarRow"`, `data-ride-id="1234"`, `href="/x"`} {
		if !strings.Contains(out, kept) {
			t.Errorf("attribute %s lost: %q", kept, out)
		}
	}
}

func TestNormalizeCollapsesSpacesKeepsLines(t *testing.T) {
	in := "<pre>Ride   Manager:\t Jane Doe\n\n\nPhone:  555-0100</pre>"
	out, err := NormalizeString(in)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Ride Manager: Jane Doe") {
		t.Errorf("space runs not collapsed: %q", out)
	}
	if !strings.Contains(out, "\nPhone: 555-0100") {
		t.Errorf("line structure lost: %q", out)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		`<div class="calendarRow">  <span class="rideName details" tag="14-1234">Old   Pueblo</span><!-- c --><script>x</script></div>`,
		"plain text   with nbsp and\n\nlines",
		`<a href="/a?b=1&amp;c=2">link &amp; text</a><br><img src="x.png">`,
		`malformed <div><b>unclosed`,
	}
	for _, in := range inputs {
		once, err := NormalizeString(in)
		if err != nil {
			t.Fatalf("first pass: %v", err)
		}
		twice, err := NormalizeString(once)
		if err != nil {
			t.Fatalf("second pass: %v", err)
		}
		if once != twice {
			t.Errorf("not idempotent:\n in: %q\nonce: %q\ntwice: %q", in, once, twice)
		}
	}
}
