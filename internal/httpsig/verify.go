package httpsig

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/d60-Lab/fedsync/internal/apperr"
	"github.com/d60-Lab/fedsync/internal/fedid"
	"github.com/d60-Lab/fedsync/internal/model"
)

// NonceStore 持久化、带 TTL 的防重放存储；多实例共享。
// Remember 返回 false 表示该签名已出现过（包括并发插入的唯一键冲突）。
type NonceStore interface {
	Remember(ctx context.Context, nonce *model.SignatureNonce) (bool, error)
}

// DefaultMaxSkew VerifyOptions.MaxSkew 未设置时使用
const DefaultMaxSkew = 5 * time.Minute

// VerifyOptions 单次校验参数
type VerifyOptions struct {
	MaxSkew      time.Duration
	ActorID      string
	VerifyReplay bool
}

// Result 校验结果；OK 为 false 时 Err 非空
type Result struct {
	OK     bool
	Domain string
	KeyID  string
	Err    *apperr.Error
}

func fail(err *apperr.Error) Result { return Result{Err: err} }

// nonceGrace 防重放记录在时钟偏差窗口之外额外保留的时间
const nonceGrace = 60 * time.Second

type Verifier struct {
	keys   KeyResolver
	nonces NonceStore
	clock  clock.Clock
}

func NewVerifier(keys KeyResolver, nonces NonceStore, clk clock.Clock) *Verifier {
	if clk == nil {
		clk = clock.New()
	}
	return &Verifier{keys: keys, nonces: nonces, clock: clk}
}

// Verify 按顺序快速失败；body 为实际收到的请求体
func (v *Verifier) Verify(ctx context.Context, r *http.Request, body []byte, opts VerifyOptions) Result {
	if opts.MaxSkew <= 0 {
		opts.MaxSkew = DefaultMaxSkew
	}
	params, err := ParseSignature(r.Header.Get("Signature"))
	if err != nil {
		return fail(apperr.Wrap(apperr.ClassAuth, "invalid_signature_header", "signature header missing or malformed", err))
	}

	dateHeader := r.Header.Get("Date")
	if dateHeader == "" {
		return fail(apperr.Auth("missing_date", "date header missing"))
	}
	date, err := http.ParseTime(dateHeader)
	if err != nil {
		return fail(apperr.Wrap(apperr.ClassAuth, "invalid_date", "date header unparseable", err))
	}
	if skew := v.clock.Now().Sub(date); skew > opts.MaxSkew || -skew > opts.MaxSkew {
		return fail(apperr.Auth("date_skew", "date outside allowed clock skew"))
	}

	if d := r.Header.Get("Digest"); d != "" {
		ok, found := digestMatches(d, body)
		if !found {
			return fail(apperr.Auth("unsupported_digest", "digest header has no SHA-256 value"))
		}
		if !ok {
			return fail(apperr.Auth("digest_mismatch", "digest does not match body"))
		}
	}

	signing, err := SigningString(r.Method, r.URL.RequestURI(), r.Host, r.Header, params.Headers)
	if err != nil {
		return fail(apperr.Wrap(apperr.ClassAuth, "missing_signed_header", "cannot rebuild signing string", err))
	}

	if opts.VerifyReplay && v.nonces != nil {
		sum := sha256.Sum256([]byte(params.Raw + params.KeyID + signing))
		fresh, err := v.nonces.Remember(ctx, &model.SignatureNonce{
			SignatureHash: hex.EncodeToString(sum[:]),
			KeyID:         params.KeyID,
			RequestTarget: r.Method + " " + r.URL.RequestURI(),
			ExpiresAt:     v.clock.Now().Add(opts.MaxSkew + nonceGrace).UTC(),
		})
		if err != nil {
			return fail(apperr.Wrap(apperr.ClassInternal, "nonce_store", "replay store unavailable", err))
		}
		if !fresh {
			return fail(apperr.Auth("replay", "replay detected: signature already seen"))
		}
	}

	pub, err := v.keys.PublicKey(ctx, params.KeyID)
	if err != nil {
		return fail(apperr.Wrap(apperr.ClassAuth, "key_unavailable", "cannot resolve signing key", err))
	}
	hashed := sha256.Sum256([]byte(signing))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, hashed[:], params.Signature); err != nil {
		return fail(apperr.Auth("bad_signature", "signature verification failed"))
	}

	keyHost := fedid.HostOf(params.KeyID)
	if opts.ActorID != "" && fedid.HostOf(opts.ActorID) != keyHost {
		return fail(apperr.Auth("domain_mismatch", "actor domain does not match key domain"))
	}
	return Result{OK: true, Domain: keyHost, KeyID: params.KeyID}
}
