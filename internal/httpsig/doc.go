// Package httpsig signs and verifies cross-server HTTP requests.
//
// Outbound requests carry a SHA-256 body Digest and an RSA-SHA256 Signature
// header over "(request-target)", host, date and digest. Inbound requests are
// verified in a fixed order: header parse, date skew, digest, signing string,
// replay nonce, key dereference, signature check and finally actor/key domain
// binding. Verification never panics; every failure is reported as an
// *apperr.Error with class auth or validation.
package httpsig
