package planspec

import "testing"

func TestValidateRejectsEmptyModels(t *testing.T) {
	p := samplePlan()
	p.Models = nil
	taxonomy := NewSubjectTaxonomy(nil)
	errs := p.Validate(taxonomy)
	if len(errs) == 0 {
		t.Fatalf("expected validation errors for empty models")
	}
}

func TestValidateRejectsUnknownSubjectTag(t *testing.T) {
	p := samplePlan()
	taxonomy := NewSubjectTaxonomy([]string{"Math"})
	errs := p.Validate(taxonomy)
	found := false
	for _, e := range errs {
		if e != "" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an error for the unconfigured Tech./Coding tag")
	}
}

func TestValidateClampsSampleSize(t *testing.T) {
	p := samplePlan()
	p.Profile.SampleSize = MaxSampleSize + 500
	taxonomy := NewSubjectTaxonomy(nil)
	p.Validate(taxonomy)
	if p.Profile.SampleSize != MaxSampleSize {
		t.Fatalf("expected sample_size clamped to %d, got %d", MaxSampleSize, p.Profile.SampleSize)
	}
}

func TestRedactedStripsCredentials(t *testing.T) {
	p := samplePlan()
	r := p.Redacted()
	for _, m := range r.Models {
		if m.CredentialHandle != "" {
			t.Fatalf("expected credential handle stripped, got %q", m.CredentialHandle)
		}
	}
	if len(p.Models[0].CredentialHandle) == 0 {
		t.Fatalf("original plan should be unmodified")
	}
}
