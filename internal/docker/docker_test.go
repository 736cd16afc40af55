package docker

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
)

func TestConsumeMessagesForwardsLines(t *testing.T) {
	stream := strings.Join([]string{
		`{"stream":"Step 1/3 : FROM node:20\n"}`,
		`{"status":"Pushing","id":"abc123","progressDetail":{"current":5,"total":10}}`,
		`{"aux":{"Digest":"sha256:deadbeef"}}`,
	}, "\n")
	var lines []string
	if err := consumeMessages(strings.NewReader(stream), func(line string) { lines = append(lines, line) }); err != nil {
		t.Fatalf("consume: %v", err)
	}
	want := []string{"Step 1/3 : FROM node:20", "abc123 Pushing 5/10", "digest: sha256:deadbeef"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected lines %q", lines)
	}
}

func TestConsumeMessagesStopsOnError(t *testing.T) {
	stream := `{"stream":"ok\n"}` + "\n" + `{"errorDetail":{"message":"denied: requested access to the resource is denied"}}`
	err := consumeMessages(strings.NewReader(stream), nil)
	if err == nil || !strings.Contains(err.Error(), "denied") {
		t.Fatalf("expected push error, got %v", err)
	}
}

func TestRegistryAuthEncoding(t *testing.T) {
	encoded, err := RegistryAuth{}.encode()
	if err != nil || encoded != "" {
		t.Fatalf("anonymous auth should encode to empty string, got %q %v", encoded, err)
	}
	encoded, err = RegistryAuth{Username: "ci", Password: "s3cret", ServerAddress: "registry.local"}.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload["username"] != "ci" || payload["serveraddress"] != "registry.local" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestResourcesDisableSwap(t *testing.T) {
	r := resources(LimitsFor(512, 1, 256))
	if r.Memory != 512*1024*1024 || r.MemorySwap != r.Memory {
		t.Fatalf("unexpected memory settings %d/%d", r.Memory, r.MemorySwap)
	}
	if r.NanoCPUs != 1e9 {
		t.Fatalf("unexpected cpu quota %d", r.NanoCPUs)
	}
	if r.PidsLimit == nil || *r.PidsLimit != 256 {
		t.Fatalf("unexpected pids limit %v", r.PidsLimit)
	}
	if empty := resources(Limits{}); empty.PidsLimit != nil || empty.MemorySwap != 0 {
		t.Fatalf("zero limits should leave engine defaults")
	}
}
