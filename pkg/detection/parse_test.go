package detection

import (
	"errors"
	"testing"

	"github.com/menta2k/snapdetect/pkg/types"
)

func TestParseResponseFallbacks(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{
			name: "direct",
			text: `{"detections":[{"label":"cup","confidence":0.8,"box_norm":{"xc":0.5,"yc":0.5,"w":0.1,"h":0.1}}]}`,
			want: 1,
		},
		{
			name: "leading prose",
			text: `Sure! Here is what I found: {"detections":[{"label":"cup","confidence":0.8,"box_norm":{"xc":0.5,"yc":0.5,"w":0.1,"h":0.1}}]} Hope this helps.`,
			want: 1,
		},
		{
			name: "fenced with trailing comma",
			text: "```json\n{\"detections\":[{\"label\":\"cup\",\"confidence\":0.8,\"box_norm\":{\"xc\":0.5,\"yc\":0.5,\"w\":0.1,\"h\":0.1},},]}\n```",
			want: 1,
		},
		{
			name: "line comments",
			text: "{\n// best guess\n\"objects\":[{\"name\":\"lamp\",\"box_px\":{\"x\":1,\"y\":2,\"w\":3,\"h\":4}}]\n}",
			want: 1,
		},
		{
			name: "empty list",
			text: `{"detections":[]}`,
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := ParseResponse(tt.text)
			if err != nil {
				t.Fatalf("ParseResponse() error = %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("Expected %d entries, got %d", tt.want, len(got))
			}
		})
	}
}

func TestParseResponseUnparsable(t *testing.T) {
	for _, text := range []string{"", "no json here", "{ broken", "} reversed {"} {
		if _, _, err := ParseResponse(text); !errors.Is(err, ErrUnparsable) {
			t.Errorf("ParseResponse(%q) error = %v, want ErrUnparsable", text, err)
		}
	}
}

func TestParseResponseEntryVariants(t *testing.T) {
	text := `{"objects":[
		{"label_no":"tasse","confidence":"0.42","box":{"xc":0.2,"yc":0.3,"w":0.1,"h":0.1}},
		{"label":"book","confidence":0.9,"box":{"x":5,"y":6,"w":7,"h":8},"tile":"G_1_2"},
		{"label":"pen","confidence":0.7,"box_px":{"x":1,"y":1,"w":2,"h":2},"tile":3},
		{"label":"mug","box_norm":{"x":0.1,"y":0.2,"w":0.2,"h":0.4}},
		{"label":"bad","box_px":{"x":"left","y":1,"w":2,"h":2}},
		{"label":"full","box_px":{"x":1,"y":1,"w":2,"h":2},"tile":"FULL"}
	]}`

	got, dropped, err := ParseResponse(text)
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if dropped != 1 {
		t.Errorf("Expected 1 dropped entry, got %d", dropped)
	}
	if len(got) != 5 {
		t.Fatalf("Expected 5 entries, got %d", len(got))
	}

	if got[0].Label != "tasse" || got[0].Kind != types.BoxNormalized || got[0].Confidence != 0.42 {
		t.Errorf("entry 0 = %+v", got[0])
	}
	if got[1].Kind != types.BoxPixel || got[1].TileName != "G_1_2" {
		t.Errorf("entry 1 = %+v", got[1])
	}
	if got[2].Tile != 3 || got[2].TileName != "" {
		t.Errorf("entry 2 = %+v", got[2])
	}
	if got[3].Norm.XC != 0.2 || got[3].Norm.YC != 0.4 || got[3].Confidence != 0 {
		t.Errorf("entry 3 = %+v", got[3])
	}
	if got[4].Tile != types.FullFrame || got[4].TileName != "" {
		t.Errorf("entry 4 = %+v", got[4])
	}
}

func TestSanitizeModelJSON(t *testing.T) {
	in := "```json\n{\"a\":1, /* note */ \"b\":[1,2,],}\n```"
	want := `{"a":1,  "b":[1,2]}`
	if got := sanitizeModelJSON(in); got != want {
		t.Errorf("sanitizeModelJSON() = %q, want %q", got, want)
	}
}
