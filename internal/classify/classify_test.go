// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package classify

import (
	"testing"

	"github.com/ManuGH/voxtrack/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestClassify_LookupTable(t *testing.T) {
	cases := []struct {
		status model.Status
		step   int
		want   Category
	}{
		{model.StatusCreated, 0, Category{Kind: KindQueued, Step: 0, StepLabel: "queued"}},
		{model.StatusUploaded, 0, Category{Kind: KindQueued, Step: 0, StepLabel: "queued"}},
		{model.StatusProcessing, 0, Category{Kind: KindProcessing, Step: 0, StepLabel: "queued"}},
		{model.StatusProcessing, 1, Category{Kind: KindProcessing, Step: 1, StepLabel: "normalized"}},
		{model.StatusProcessing, 2, Category{Kind: KindProcessing, Step: 2, StepLabel: "transcribed"}},
		{model.StatusProcessing, 3, Category{Kind: KindProcessing, Step: 3, StepLabel: "moderated"}},
		{model.StatusProcessing, 4, Category{Kind: KindProcessing, Step: 4, StepLabel: "tagged"}},
		{model.StatusProcessing, 5, Category{Kind: KindProcessing, Step: 5, StepLabel: "anonymized"}},
		{model.StatusProcessing, 6, Category{Kind: KindProcessing, Step: 6, StepLabel: "published"}},
		{model.StatusApproved, 6, Category{Kind: KindApproved, Step: 6}},
		{model.StatusRejected, 3, Category{Kind: KindRejected, Step: 3}},
		{model.StatusQuarantined, 3, Category{Kind: KindQuarantined, Step: 3}},
		{model.Status("ARCHIVED"), 2, Category{Kind: KindUnknown, Step: 2}},
	}
	for _, tc := range cases {
		got := Classify(model.Submission{ID: "s", Status: tc.status, ProcessingStep: tc.step})
		assert.Equal(t, tc.want, got, "status=%s step=%d", tc.status, tc.step)
	}
}

func TestStepLabel_Clamps(t *testing.T) {
	assert.Equal(t, "queued", StepLabel(-3))
	assert.Equal(t, "published", StepLabel(42))
	assert.Len(t, StepLabels(), 7)
}

func TestFilter_Apply(t *testing.T) {
	subs := []model.Submission{
		{ID: "a", Status: model.StatusUploaded},
		{ID: "b", Status: model.StatusProcessing, ProcessingStep: 2},
		{ID: "c", Status: model.StatusApproved, ProcessingStep: 6},
		{ID: "d", Status: model.StatusRejected, ProcessingStep: 3},
		{ID: "e", Status: model.StatusQuarantined, ProcessingStep: 3},
	}

	ids := func(in []model.Submission) []string {
		out := []string{}
		for _, s := range in {
			out = append(out, s.ID)
		}
		return out
	}

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids(FilterAll.Apply(subs)))
	assert.Equal(t, []string{"a", "b"}, ids(FilterProcessing.Apply(subs)))
	assert.Equal(t, []string{"c"}, ids(FilterApproved.Apply(subs)))
	assert.Equal(t, []string{"d"}, ids(FilterRejected.Apply(subs)))
	assert.Equal(t, []string{"e"}, ids(FilterQuarantined.Apply(subs)))

	f, ok := ParseFilter(" Approved ")
	assert.True(t, ok)
	assert.Equal(t, FilterApproved, f)
	_, ok = ParseFilter("drafts")
	assert.False(t, ok)
}
