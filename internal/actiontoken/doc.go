// Package actiontoken signs and verifies the time-bound tokens embedded in
// notification action URLs.
//
// A token is the value type Token (notification ID, expiry, nonce, signature)
// with Encode/Decode for its wire form:
//
//	v1.<notification id>.<expiry unix seconds>.<nonce hex>.<signature hex>
//
// The user ID is bound into the HMAC-SHA256 signature but never appears in the
// token, so a token issued for one user fails validation for every other user.
// The signing key is derived from the configured secret with HKDF.
package actiontoken
