/*
Copyright 2025 Impalah

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package oauth

import (
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T, clock clockwork.Clock) *StateCodec {
	t.Helper()
	codec, err := NewStateCodec(StateCodecConfig{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
		Clock:  clock,
	})
	require.NoError(t, err)
	return codec
}

func TestStateCodecRoundTrip(t *testing.T) {
	codec := newTestCodec(t, clockwork.NewFakeClock())
	payload := StatePayload{
		State:        "client-state",
		CodeVerifier: "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk",
		Provider:     ProviderDropbox,
		RedirectURI:  "app://callback",
	}

	token, err := codec.Sign(payload)
	require.NoError(t, err)
	require.Len(t, strings.Split(token, "."), 3)

	out, err := codec.Verify(token, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, *out)

	// Presenting the same token twice within the window is allowed; the
	// OAuth round-trip requires it.
	out, err = codec.Verify(token, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, *out)
}

func TestStateCodecRejectsTampering(t *testing.T) {
	codec := newTestCodec(t, clockwork.NewFakeClock())
	token, err := codec.Sign(StatePayload{State: "s", Provider: ProviderDropbox})
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)

	// Flip the payload while keeping the original signature.
	other, err := codec.Sign(StatePayload{State: "s", Provider: ProviderGoogleDrive})
	require.NoError(t, err)
	forged := strings.Split(other, ".")[0] + "." + parts[1] + "." + parts[2]

	_, err = codec.Verify(forged, 0)
	require.Error(t, err)
	assert.True(t, trace.IsAccessDenied(err))

	_, err = codec.Verify("not-a-token", 0)
	require.Error(t, err)
	assert.True(t, trace.IsBadParameter(err))
}

func TestStateCodecRejectsWrongSecret(t *testing.T) {
	clock := clockwork.NewFakeClock()
	codec := newTestCodec(t, clock)
	token, err := codec.Sign(StatePayload{State: "s"})
	require.NoError(t, err)

	other, err := NewStateCodec(StateCodecConfig{
		Secret: []byte("ffffffffffffffffffffffffffffffff"),
		Clock:  clock,
	})
	require.NoError(t, err)

	_, err = other.Verify(token, 0)
	require.Error(t, err)
	assert.True(t, trace.IsAccessDenied(err))
}

func TestStateCodecExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	codec := newTestCodec(t, clock)
	token, err := codec.Sign(StatePayload{State: "s"})
	require.NoError(t, err)

	clock.Advance(599 * time.Second)
	_, err = codec.Verify(token, 0)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	_, err = codec.Verify(token, 0)
	require.Error(t, err)
	assert.True(t, trace.IsAccessDenied(err))
}

func TestStateCodecRejectsFutureTokens(t *testing.T) {
	clock := clockwork.NewFakeClock()
	signer := newTestCodec(t, clockwork.NewFakeClockAt(clock.Now().Add(5*time.Minute)))
	verifier := newTestCodec(t, clock)

	token, err := signer.Sign(StatePayload{State: "s"})
	require.NoError(t, err)

	_, err = verifier.Verify(token, 0)
	require.Error(t, err)
	assert.True(t, trace.IsAccessDenied(err))
}

func TestStateCodecRequiresStrongSecret(t *testing.T) {
	_, err := NewStateCodec(StateCodecConfig{Secret: []byte("short")})
	require.Error(t, err)
	assert.True(t, trace.IsBadParameter(err))
}
