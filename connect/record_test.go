package connect

import (
	"testing"
	"time"
)

func TestNeedsAttention(t *testing.T) {
	now := time.Now().UTC()
	soon := now.Add(3 * 24 * time.Hour)
	far := now.Add(30 * 24 * time.Hour)

	tests := []struct {
		name   string
		record ConnectionRecord
		want   bool
	}{
		{"active, no expiry", ConnectionRecord{Status: StatusActive}, false},
		{"pending contract update", ConnectionRecord{Status: StatusPendingContractUpdate}, true},
		{"credentials expiring soon", ConnectionRecord{Status: StatusActive, CredentialsExpireAt: &soon}, true},
		{"credentials expiring far out", ConnectionRecord{Status: StatusActive, CredentialsExpireAt: &far}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.record.NeedsAttention(now); got != tt.want {
				t.Errorf("NeedsAttention() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCloneIsolation(t *testing.T) {
	active := time.Now().UTC()
	original := &ConnectionRecord{
		ConnectionID:   "c1",
		Tags:           []string{"a", "b"},
		LastActiveAt:   &active,
		LocalPublicKey: []byte{1, 2, 3},
	}

	copied := original.clone()
	copied.Tags[0] = "changed"
	copied.LocalPublicKey[0] = 9
	*copied.LastActiveAt = copied.LastActiveAt.Add(time.Hour)

	if original.Tags[0] != "a" {
		t.Error("Clone shares the tag slice")
	}
	if original.LocalPublicKey[0] != 1 {
		t.Error("Clone shares the key slice")
	}
	if !original.LastActiveAt.Equal(active) {
		t.Error("Clone shares the activity timestamp")
	}
}
