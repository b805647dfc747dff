package llm

import (
	"context"
	"testing"
)

type fakeStageProvider struct {
	response string
	err      error
}

func (p *fakeStageProvider) Name() string { return "fake-stage" }

func (p *fakeStageProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &CompletionResponse{Content: p.response, Usage: Usage{TotalTokens: 42}}, nil
}

func TestClientStage1DecodesArtifact(t *testing.T) {
	provider := &fakeStageProvider{response: `{"term": "안녕", "ipa": "annyeong", "part_of_speech": "interjection", "primary_meaning": "hello"}`}
	client := NewClient(provider)

	artifact, usage, err := client.Stage1(context.Background(), "안녕", "interjection", 512)
	if err != nil {
		t.Fatalf("Stage1() error: %v", err)
	}
	if artifact.Term != "안녕" || artifact.PrimaryMeaning != "hello" {
		t.Errorf("artifact = %+v", artifact)
	}
	if usage.TotalTokens != 42 {
		t.Errorf("TotalTokens = %d, want 42", usage.TotalTokens)
	}
}

func TestClientStage1WrapsUndecodableResponse(t *testing.T) {
	provider := &fakeStageProvider{response: "not json"}
	client := NewClient(provider)

	if _, _, err := client.Stage1(context.Background(), "안녕", "", 512); err == nil {
		t.Fatal("Stage1() expected a decode error, got nil")
	}
}

func TestClientStage2AssignsPosition(t *testing.T) {
	provider := &fakeStageProvider{response: `{"rows": [{"term": "안녕", "term_number": 1, "tab_name": "main", "front": "f", "back": "b"}]}`}
	client := NewClient(provider)

	stage2, _, err := client.Stage2(context.Background(), 7, nil, 512)
	if err != nil {
		t.Fatalf("Stage2() error: %v", err)
	}
	if len(stage2.Rows) != 1 {
		t.Fatalf("Rows = %+v, want 1 row", stage2.Rows)
	}
	if stage2.Rows[0].Position != 7 {
		t.Errorf("Position = %d, want 7", stage2.Rows[0].Position)
	}
}

func TestClientNameDelegatesToProvider(t *testing.T) {
	client := NewClient(&fakeStageProvider{})
	if client.Name() != "fake-stage" {
		t.Errorf("Name() = %q, want fake-stage", client.Name())
	}
}
