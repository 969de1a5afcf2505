package asset

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDescriptionKeys(t *testing.T) {
	d := Description{
		Properties:    []Property{{Key: "energy", Initial: 0.0}, {Key: "power"}},
		Actions:       []Action{{Key: "switch_on"}},
		Events:        []Event{{Key: "overheating"}},
		Relationships: []Relationship{{Name: "inside", Type: "room"}},
	}
	tests := []struct {
		name string
		got  []string
		want []string
	}{
		{"properties", d.PropertyKeys(), []string{"energy", "power"}},
		{"actions", d.ActionKeys(), []string{"switch_on"}},
		{"events", d.EventKeys(), []string{"overheating"}},
		{"relationships", d.RelationshipNames(), []string{"inside"}},
		{"empty", Description{}.EventKeys(), []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.got); diff != "" {
				t.Errorf("keys mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDescriptionClone(t *testing.T) {
	d := Description{Properties: []Property{{Key: "energy"}}}
	c := d.Clone()
	c.Properties[0].Key = "changed"
	if d.Properties[0].Key != "energy" {
		t.Errorf("Clone() shares properties with the original")
	}
}
