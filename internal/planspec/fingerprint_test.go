package planspec

import "testing"

var defaultLadder = []int{10, 25, 50, 100, 250, 500, 1000}

func samplePlan() Plan {
	return Plan{
		SchemaVersion: "v1",
		Name:          "korean math comparison",
		Profile: Profile{
			ProblemType: ProblemMCQA,
			TargetType:  TargetGeneral,
			TaskType:    TaskKnowledge,
			Language:    "Korean",
			SubjectType: []string{"Math", "Tech./Coding"},
			SampleSize:  97,
		},
		Models: []ModelConfig{
			{Name: "m2", Endpoint: "https://b", CredentialHandle: "secret-b"},
			{Name: "m1", Endpoint: "https://a", CredentialHandle: "secret-a"},
		},
		Directives: Directives{ScoringMethod: "exact_match"},
	}
}

func TestFingerprintIgnoresCredentialsAndName(t *testing.T) {
	a := samplePlan()
	b := samplePlan()
	b.Name = "something else entirely"
	b.Models[0].CredentialHandle = "different-secret"

	if ComputeFingerprint(a, defaultLadder) != ComputeFingerprint(b, defaultLadder) {
		t.Fatalf("expected equal fingerprints for plans differing only in name/credentials")
	}
}

func TestFingerprintBucketsSampleSize(t *testing.T) {
	a := samplePlan()
	a.Profile.SampleSize = 97
	b := samplePlan()
	b.Profile.SampleSize = 100

	if ComputeFingerprint(a, defaultLadder) != ComputeFingerprint(b, defaultLadder) {
		t.Fatalf("expected 97 and 100 to bucket to the same fingerprint")
	}
}

func TestFingerprintBucketBoundaryDiffers(t *testing.T) {
	a := samplePlan()
	a.Profile.SampleSize = 50
	b := samplePlan()
	b.Profile.SampleSize = 51

	if ComputeFingerprint(a, defaultLadder) == ComputeFingerprint(b, defaultLadder) {
		t.Fatalf("expected 50 and 51 to cross a bucket boundary and differ")
	}
}

func TestFingerprintOrderIndependentSubjectsAndModels(t *testing.T) {
	a := samplePlan()
	b := samplePlan()
	b.Profile.SubjectType = []string{"tech./coding", "math"}
	b.Models[0], b.Models[1] = b.Models[1], b.Models[0]

	if ComputeFingerprint(a, defaultLadder) != ComputeFingerprint(b, defaultLadder) {
		t.Fatalf("expected fingerprint to be independent of subject/model input order")
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	p := samplePlan()
	f1 := ComputeFingerprint(p, defaultLadder)
	f2 := ComputeFingerprint(p, defaultLadder)
	if f1 != f2 {
		t.Fatalf("expected deterministic fingerprint, got %s != %s", f1, f2)
	}
	if len(f1) != 64 {
		t.Fatalf("expected 64 hex chars (sha256), got %d", len(f1))
	}
}
