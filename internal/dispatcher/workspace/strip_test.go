package workspace

import "testing"

func TestStripModelLine(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "no front matter passes through",
			in:   "# Just markdown\n\nmodel: not-front-matter\n",
			want: "# Just markdown\n\nmodel: not-front-matter\n",
		},
		{
			name: "simple model key removed",
			in:   "---\ndescription: Review a PR\nmodel: claude-opus-4\n---\n\nReview the diff.\n",
			want: "---\ndescription: Review a PR\n---\n\nReview the diff.\n",
		},
		{
			name: "model key case insensitive",
			in:   "---\nModel: claude-opus-4\nname: review\n---\nbody\n",
			want: "---\nname: review\n---\nbody\n",
		},
		{
			name: "other keys untouched",
			in:   "---\nname: review\nargs: [a, b]\n---\nbody\n",
			want: "---\nname: review\nargs: [a, b]\n---\nbody\n",
		},
		{
			name: "block scalar removed with continuations",
			in:   "---\nmodel: |\n  claude-opus-4\n  extra\nname: review\n---\nbody\n",
			want: "---\nname: review\n---\nbody\n",
		},
		{
			name: "folded scalar removed",
			in:   "---\nmodel: >\n  claude-opus-4\nname: review\n---\nbody\n",
			want: "---\nname: review\n---\nbody\n",
		},
		{
			name: "empty value consumes indented continuation",
			in:   "---\nmodel:\n  claude-opus-4\nname: review\n---\nbody\n",
			want: "---\nname: review\n---\nbody\n",
		},
		{
			name: "indented model is a continuation, not a key",
			in:   "---\nmeta: |\n  model: nested\nname: review\n---\nbody\n",
			want: "---\nmeta: |\n  model: nested\nname: review\n---\nbody\n",
		},
		{
			name: "unclosed front matter passes through",
			in:   "---\nmodel: claude-opus-4\nbody without closing\n",
			want: "---\nmodel: claude-opus-4\nbody without closing\n",
		},
		{
			name: "yaml document end marker closes front matter",
			in:   "---\nmodel: claude-opus-4\n...\nbody\n",
			want: "---\n...\nbody\n",
		},
		{
			name: "bom does not hide front matter",
			in:   "\ufeff---\nmodel: claude-opus-4\nname: review\n---\nbody\n",
			want: "---\nname: review\n---\nbody\n",
		},
		{
			name: "model mentioned in body survives",
			in:   "---\nname: review\n---\nUse model: whatever you like.\n",
			want: "---\nname: review\n---\nUse model: whatever you like.\n",
		},
		{
			name: "crlf delimiter recognized",
			in:   "---\r\nmodel: claude-opus-4\r\nname: review\r\n---\r\nbody\r\n",
			want: "---\r\nname: review\r\n---\r\nbody\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripModelLine(tt.in); got != tt.want {
				t.Errorf("StripModelLine(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
