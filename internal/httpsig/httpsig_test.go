package httpsig

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/fedsync/internal/model"
)

const testKeyID = "https://local.example/actor#main-key"

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func privateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

type memNonces struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (m *memNonces) Remember(_ context.Context, n *model.SignatureNonce) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	if m.seen[n.SignatureHash] {
		return false, nil
	}
	m.seen[n.SignatureHash] = true
	return true, nil
}

type fixture struct {
	clk      *clock.Mock
	signer   *Signer
	verifier *Verifier
}

func newFixture(t *testing.T) *fixture {
	key := privateKey(t)
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return &fixture{
		clk:      clk,
		signer:   NewSigner(testKeyID, key, clk),
		verifier: NewVerifier(StaticKeys{testKeyID: &key.PublicKey}, &memNonces{}, clk),
	}
}

// signedRequest 返回服务端视角的请求（Host 在 r.Host 上）
func (f *fixture) signedRequest(t *testing.T, body []byte) *http.Request {
	t.Helper()
	out, err := http.NewRequest(http.MethodPost, "https://peer.example/users/bob/inbox", bytes.NewReader(body))
	require.NoError(t, err)
	out.Header.Set("Content-Type", "application/activity+json")
	require.NoError(t, f.signer.Sign(out, body))

	in := httptest.NewRequest(http.MethodPost, "https://peer.example/users/bob/inbox", bytes.NewReader(body))
	in.Header = out.Header.Clone()
	return in
}

var opts = VerifyOptions{MaxSkew: 5 * time.Minute, VerifyReplay: true}

func TestSignVerifyRoundTrip(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"type":"Create","id":"https://local.example/a/1"}`)
	r := f.signedRequest(t, body)

	assert.Equal(t, Digest(body), r.Header.Get("Digest"))
	assert.Contains(t, r.Header.Get("Signature"), `headers="(request-target) host date digest"`)
	assert.Contains(t, r.Header.Get("Signature"), `algorithm="rsa-sha256"`)

	res := f.verifier.Verify(context.Background(), r, body, opts)
	require.True(t, res.OK, "%v", res.Err)
	assert.Equal(t, "local.example", res.Domain)
	assert.Equal(t, testKeyID, res.KeyID)
}

func TestVerifyRejectsAlteredHeader(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"type":"Create"}`)
	r := f.signedRequest(t, body)
	r.Header.Set("Date", f.clk.Now().Add(time.Second).UTC().Format(http.TimeFormat))

	res := f.verifier.Verify(context.Background(), r, body, opts)
	require.False(t, res.OK)
	assert.Equal(t, "bad_signature", res.Err.Code)
}

func TestVerifyRejectsAlteredBody(t *testing.T) {
	f := newFixture(t)
	r := f.signedRequest(t, []byte(`{"type":"Create"}`))

	res := f.verifier.Verify(context.Background(), r, []byte(`{"type":"Delete"}`), opts)
	require.False(t, res.OK)
	assert.Equal(t, "digest_mismatch", res.Err.Code)
}

func TestVerifyRejectsReplay(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"type":"Create"}`)
	r := f.signedRequest(t, body)

	first := f.verifier.Verify(context.Background(), r, body, opts)
	require.True(t, first.OK)

	second := f.verifier.Verify(context.Background(), r, body, opts)
	require.False(t, second.OK)
	assert.Equal(t, "replay", second.Err.Code)
	assert.Contains(t, second.Err.Message, "replay")
}

func TestVerifyRejectsDateSkew(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{}`)
	r := f.signedRequest(t, body)
	f.clk.Add(10 * time.Minute)

	res := f.verifier.Verify(context.Background(), r, body, opts)
	require.False(t, res.OK)
	assert.Equal(t, "date_skew", res.Err.Code)
}

func TestVerifyZeroSkewFallsBackToDefault(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{}`)

	r := f.signedRequest(t, body)
	f.clk.Add(DefaultMaxSkew - time.Second)
	res := f.verifier.Verify(context.Background(), r, body, VerifyOptions{})
	require.True(t, res.OK, "%v", res.Err)

	r = f.signedRequest(t, body)
	f.clk.Add(DefaultMaxSkew + time.Second)
	res = f.verifier.Verify(context.Background(), r, body, VerifyOptions{})
	require.False(t, res.OK)
	assert.Equal(t, "date_skew", res.Err.Code)
}

func TestVerifyRejectsMissingSignature(t *testing.T) {
	f := newFixture(t)
	r := httptest.NewRequest(http.MethodPost, "https://peer.example/inbox", nil)
	res := f.verifier.Verify(context.Background(), r, nil, opts)
	require.False(t, res.OK)
	assert.Equal(t, "invalid_signature_header", res.Err.Code)
}

func TestVerifyDomainBinding(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{}`)

	ok := f.verifier.Verify(context.Background(), f.signedRequest(t, body), body,
		VerifyOptions{MaxSkew: time.Minute, ActorID: "https://local.example/users/alice"})
	assert.True(t, ok.OK)

	bad := f.verifier.Verify(context.Background(), f.signedRequest(t, body), body,
		VerifyOptions{MaxSkew: time.Minute, ActorID: "https://evil.example/users/alice"})
	require.False(t, bad.OK)
	assert.Equal(t, "domain_mismatch", bad.Err.Code)
}

func TestParseSignature(t *testing.T) {
	p, err := ParseSignature(`keyId="https://a.example/actor#k",algorithm="rsa-sha256",headers="(request-target) host date",signature="c2lnbmF0dXJl"`)
	require.NoError(t, err)
	assert.Equal(t, "https://a.example/actor#k", p.KeyID)
	assert.Equal(t, []string{"(request-target)", "host", "date"}, p.Headers)
	assert.Equal(t, []byte("signature"), p.Signature)

	_, err = ParseSignature(`keyId="k",algorithm="ed25519",signature="c2ln"`)
	assert.Error(t, err)
	_, err = ParseSignature(`algorithm="rsa-sha256",signature="c2ln"`)
	assert.Error(t, err)
}

func TestHTTPKeyResolverPEMAndJWKS(t *testing.T) {
	key := privateKey(t)
	pemStr, err := EncodePublicKey(&key.PublicKey)
	require.NoError(t, err)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/activity+json")
		_, _ = w.Write([]byte(`{"id":"actor","publicKey":{"id":"` + "http://" + r.Host + `/actor#main-key","publicKeyPem":` + quote(pemStr) + `}}`))
	}))
	defer srv.Close()

	res := NewHTTPKeyResolver(srv.Client(), 16, time.Minute)
	pub, err := res.PublicKey(context.Background(), srv.URL+"/actor#main-key")
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey.N, pub.N)

	_, err = res.PublicKey(context.Background(), srv.URL+"/actor#main-key")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "second lookup served from cache")
}

func TestExtractPublicKeyJWKS(t *testing.T) {
	key := privateKey(t)
	doc := []byte(`{"keys":[{"kid":"main-key","kty":"RSA","n":"` + b64url(key.PublicKey.N.Bytes()) + `","e":"AQAB"}]}`)
	pub, err := ExtractPublicKey(doc, "https://a.example/actor#main-key")
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey.N, pub.N)
	assert.Equal(t, 65537, pub.E)

	_, err = ExtractPublicKey([]byte(`{"id":"x"}`), "k")
	assert.Error(t, err)
}

func TestPullTokenRoundTrip(t *testing.T) {
	f := newFixture(t)
	tok, err := f.signer.IssuePullToken("local.example", "peer.example", time.Minute)
	require.NoError(t, err)

	claims, err := f.verifier.ParsePullToken(context.Background(), tok, "peer.example")
	require.NoError(t, err)
	assert.Equal(t, "local.example", claims.Issuer)

	_, err = f.verifier.ParsePullToken(context.Background(), tok, "other.example")
	assert.Error(t, err)

	f.clk.Add(2 * time.Minute)
	_, err = f.verifier.ParsePullToken(context.Background(), tok, "peer.example")
	assert.Error(t, err)
}
