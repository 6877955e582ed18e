package security

import (
	"crypto/aes"
	"encoding/hex"

	"github.com/aead/cmac"
)

var kcvLabel = []byte("ncp link key check")

// keyCheckValue is a short AES-CMAC fingerprint of a key, safe to log and
// compare between both ends.
func keyCheckValue(key []byte) (string, error) {
	mCipher, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	mMac, err := cmac.New(mCipher)
	if err != nil {
		return "", err
	}

	mMac.Write(kcvLabel)
	return hex.EncodeToString(mMac.Sum(nil)[:4]), nil
}
