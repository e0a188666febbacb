package markup

import "testing"

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "link and newline",
			in:   "Hello[URL=http://x]click[/URL]\nworld",
			want: "Hello<a href=\"http://x\">click</a></br>\nworld",
		},
		{
			name: "plain text",
			in:   "no tags & <b>raw</b>",
			want: "no tags & <b>raw</b>",
		},
		{
			name: "styles",
			in:   "[FONT=Arial]a[/FONT][SIZE=12pt]b[/SIZE][COLOR=#ff0000]c[/COLOR]",
			want: `<span style="font: Arial">a</span><span style="font-size: 12pt">b</span><span style="color: #ff0000">c</span>`,
		},
		{
			name: "image with attributes",
			in:   "[IMG width=10]http://x/a.png[/IMG]",
			want: `<img width=10 src="http://x/a.png"/>`,
		},
		{
			name: "image without attributes",
			in:   "[IMG]http://x/a.png[/IMG]",
			want: `<img src="http://x/a.png"/>`,
		},
		{
			name: "tag starting with IMG is not an image",
			in:   "[IMGUR]x[/IMGUR] [img]y[/img]",
			want: `<IMGUR>x</IMGUR> <img src="y"/>`,
		},
		{
			name: "table",
			in:   "[TABLE][TR][TD]1[/TD][/TR][/TABLE]",
			want: "<table><TR><TD>1</TD></TR></table>",
		},
		{
			name: "unknown tags pass through",
			in:   "[B]bold[/B] [I]it[/I]",
			want: "<B>bold</B> <I>it</I>",
		},
		{
			name: "lower case tag names",
			in:   "[url=http://y]y[/url]",
			want: `<a href="http://y">y</a>`,
		},
		{
			name: "unpaired close tag is not repaired",
			in:   "text[/URL]",
			want: "text</a>",
		},
		{
			name: "value copied verbatim",
			in:   `[URL=http://x/?a="1"&b=2]q[/URL]`,
			want: `<a href="http://x/?a="1"&b=2">q</a>`,
		},
		{
			name: "empty",
			in:   "",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Translate(tt.in); got != tt.want {
				t.Errorf("Translate(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
