package comments

import (
	"reflect"
	"testing"
)

func TestExtractMentions(t *testing.T) {
	testCases := []struct {
		name string
		body string
		want []string
	}{
		{name: "plain", body: "Mention @bob", want: []string{"bob"}},
		{name: "inline-code", body: "`@bob`", want: nil},
		{name: "fenced-block", body: "```\n@bob\n```", want: nil},
		{name: "fenced-with-language", body: "see\n```ruby\n# ask @carol\nputs 1\n```\nthanks @dave", want: []string{"dave"}},
		{name: "multi-line-fence", body: "```\nline one\n@bob\n\n@carol\n```", want: nil},
		{name: "inline-code-beside-mention", body: "ping @bob about `@carol` and @erin", want: []string{"bob", "erin"}},
		{name: "unclosed-backtick", body: "odd ` tick @bob", want: []string{"bob"}},
		{name: "duplicates-collapse", body: "@bob @Bob @bob", want: []string{"bob"}},
		{name: "email-is-not-mention", body: "write to alice@example.com", want: nil},
		{name: "punctuation", body: "(@bob), @carol.", want: []string{"bob", "carol"}},
		{name: "hyphenated", body: "@mary-jane thanks", want: []string{"mary-jane"}},
		{name: "bare-at", body: "@ nobody", want: nil},
		{name: "one-line-fence", body: "```@bob``` then @carol\nand @dave", want: []string{"carol", "dave"}},
		{name: "fence-after-one-line-fence", body: "```x```\n```\n@bob\n```\n@erin", want: []string{"erin"}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			got := ExtractMentions(testCase.body)
			if !reflect.DeepEqual(got, testCase.want) {
				t.Fatalf("ExtractMentions(%q) = %v, want %v", testCase.body, got, testCase.want)
			}
		})
	}
}
