package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func score(v float64) *float64 { return &v }

func TestComputeVerdict(t *testing.T) {
	th := DefaultThresholds
	cases := []struct {
		name       string
		plagiarism *float64
		aiContent  *float64
		want       Verdict
	}{
		{"both under", score(15), score(25), VerdictPass},
		{"boundaries inclusive", score(20), score(30), VerdictPass},
		{"plagiarism over", score(30), score(10), VerdictFail},
		{"ai over", score(5), score(31), VerdictFail},
		{"plagiarism errored", nil, score(10), VerdictInconclusive},
		{"both errored", nil, nil, VerdictInconclusive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ComputeVerdict(tc.plagiarism, tc.aiContent, th))
		})
	}
}

func TestValidationRecordPassesRechecksScores(t *testing.T) {
	forged := ValidationRecord{Verdict: VerdictPass, PlagiarismScore: score(50), AIContentScore: score(10)}
	assert.False(t, forged.Passes(DefaultThresholds))

	ok := ValidationRecord{Verdict: VerdictPass, PlagiarismScore: score(15), AIContentScore: score(25)}
	assert.True(t, ok.Passes(DefaultThresholds))
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{" go ", "Go", "", "seo", "go", "SEO ", "marketing"})
	assert.Equal(t, []string{"go", "seo", "marketing"}, got)
}

func TestStatusRankOrdering(t *testing.T) {
	assert.Less(t, StatusValidationFailed.Rank(), StatusAwaitingPayment.Rank())
	assert.Less(t, StatusAwaitingPayment.Rank(), StatusPublished.Rank())
	assert.Equal(t, -1, SubmissionStatus("bogus").Rank())
	assert.True(t, StatusPublished.Terminal())
	assert.True(t, StatusValidationFailed.Editable())
	assert.False(t, StatusPendingReview.Editable())
}

func TestParsePaymentStatus(t *testing.T) {
	s, ok := ParsePaymentStatus("SUCCEEDED")
	assert.True(t, ok)
	assert.Equal(t, PaymentSucceeded, s)

	s, ok = ParsePaymentStatus("declined")
	assert.True(t, ok)
	assert.Equal(t, PaymentFailed, s)

	_, ok = ParsePaymentStatus("mystery")
	assert.False(t, ok)
}

func TestClaimActive(t *testing.T) {
	now := time.Now()
	c := PublicationClaim{LeaseUntil: now.Add(time.Second)}
	assert.True(t, c.Active(now))
	assert.False(t, c.Active(now.Add(time.Second)))
}
