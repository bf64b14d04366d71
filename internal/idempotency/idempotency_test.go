package idempotency

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveKeyIsDeterministic(t *testing.T) {
	body := []byte(`{"event":"new_lead","amount":100}`)
	k1 := DeriveKey("zapier", "wf-1", "ex-1", body)
	k2 := DeriveKey("zapier", "wf-1", "ex-1", body)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)
}

func TestDeriveKeyVariesByEveryComponent(t *testing.T) {
	body := []byte(`{"event":"new_lead"}`)
	base := DeriveKey("zapier", "wf-1", "ex-1", body)

	assert.NotEqual(t, base, DeriveKey("n8n", "wf-1", "ex-1", body))
	assert.NotEqual(t, base, DeriveKey("zapier", "wf-2", "ex-1", body))
	assert.NotEqual(t, base, DeriveKey("zapier", "wf-1", "ex-2", body))
	assert.NotEqual(t, base, DeriveKey("zapier", "wf-1", "ex-1", []byte(`{"event":"other"}`)))
}

func TestDeriveKeyComponentsDoNotBleed(t *testing.T) {
	// The separator prevents ("ab","c") and ("a","bc") from colliding.
	body := []byte(`{}`)
	assert.NotEqual(t,
		DeriveKey("zapier", "ab", "c", body),
		DeriveKey("zapier", "a", "bc", body))
}
