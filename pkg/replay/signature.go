// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package replay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// VerifySignature checks an inbound request's HMAC signature.
// Accepted forms: "sha256=<hex>" or a bare hex digest. Only SHA-256 is
// supported. Comparison is constant-time.
func VerifySignature(body []byte, secret, signature string) error {
	if signature == "" {
		return fmt.Errorf("no signature provided")
	}

	algo := "sha256"
	sig := signature
	if parts := strings.SplitN(signature, "=", 2); len(parts) == 2 {
		algo = parts[0]
		sig = parts[1]
	}
	if algo != "sha256" {
		return fmt.Errorf("unsupported algorithm: %s", algo)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// Sign computes the "sha256=<hex>" signature header value for a payload.
// Used by outbound delivery so receivers can run the same check.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
