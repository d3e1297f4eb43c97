package transcript

import (
	"strings"
	"testing"
)

func TestCorrect_SubstitutesMisheardTerm(t *testing.T) {
	c := New([]string{"Terraform", "Kubernetes"})

	got, corrections := c.Correct("we deploy with terriform every week")

	if !strings.Contains(got, "Terraform") {
		t.Errorf("Correct = %q, want Terraform substituted", got)
	}
	if len(corrections) != 1 {
		t.Fatalf("corrections = %d, want 1", len(corrections))
	}
	if corrections[0].Original != "terriform" || corrections[0].Corrected != "Terraform" {
		t.Errorf("correction = %+v", corrections[0])
	}
	if corrections[0].Confidence <= 0 {
		t.Errorf("confidence = %.2f, want > 0", corrections[0].Confidence)
	}
}

func TestCorrect_LeavesAlreadyCorrectTermAlone(t *testing.T) {
	c := New([]string{"Kubernetes"})

	got, corrections := c.Correct("I use Kubernetes daily")

	if got != "I use Kubernetes daily" {
		t.Errorf("Correct rewrote a correct transcript: %q", got)
	}
	if len(corrections) != 0 {
		t.Errorf("corrections = %v, want none", corrections)
	}
}

func TestCorrect_MultiWordTermWins(t *testing.T) {
	c := New([]string{"pull request"})

	got, corrections := c.Correct("please open a pul request today")

	if !strings.Contains(got, "pull request") {
		t.Errorf("Correct = %q, want pull request substituted", got)
	}
	if len(corrections) != 1 {
		t.Fatalf("corrections = %d, want 1", len(corrections))
	}
	if corrections[0].Original != "pul request" {
		t.Errorf("correction original = %q, want the two-word window", corrections[0].Original)
	}
}

func TestCorrect_EmptyVocabularyIsIdentity(t *testing.T) {
	c := New(nil)

	in := "anything at all"
	got, corrections := c.Correct(in)
	if got != in || corrections != nil {
		t.Errorf("Correct(%q) = %q, %v", in, got, corrections)
	}
}

func TestCorrect_EmptyText(t *testing.T) {
	c := New([]string{"Terraform"})

	got, corrections := c.Correct("")
	if got != "" || len(corrections) != 0 {
		t.Errorf("Correct(\"\") = %q, %v", got, corrections)
	}
}

func TestCorrect_UnrelatedTextUnchanged(t *testing.T) {
	c := New([]string{"Terraform"})

	in := "my cat sat on a mat"
	got, corrections := c.Correct(in)
	if got != in {
		t.Errorf("Correct = %q, want unchanged", got)
	}
	if len(corrections) != 0 {
		t.Errorf("corrections = %v, want none", corrections)
	}
}
