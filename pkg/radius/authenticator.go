package radius

import (
	"crypto/hmac"
	"crypto/md5"

	"layeh.com/radius"
	"layeh.com/radius/rfc2869"
)

// addMessageAuthenticator adds RFC 2869 Message-Authenticator
func addMessageAuthenticator(packet *radius.Packet, secret []byte) error {
	rfc2869.MessageAuthenticator_Del(packet)

	// Zeroed while the HMAC is computed
	if err := rfc2869.MessageAuthenticator_Set(packet, make([]byte, 16)); err != nil {
		return err
	}

	encoded, err := packet.Encode()
	if err != nil {
		return err
	}

	hash := hmac.New(md5.New, secret)
	hash.Write(encoded)

	return rfc2869.MessageAuthenticator_Set(packet, hash.Sum(nil))
}

// verifyMessageAuthenticator checks the Message-Authenticator of a request
// whose authenticator is not derived from the secret (Status-Server).
func verifyMessageAuthenticator(packet *radius.Packet, secret []byte) bool {
	orig, err := rfc2869.MessageAuthenticator_Lookup(packet)
	if err != nil || len(orig) != 16 {
		return false
	}
	orig = append([]byte(nil), orig...)

	if err := rfc2869.MessageAuthenticator_Set(packet, make([]byte, 16)); err != nil {
		return false
	}
	defer rfc2869.MessageAuthenticator_Set(packet, orig)

	encoded, err := packet.Encode()
	if err != nil {
		return false
	}

	mac := hmac.New(md5.New, secret)
	mac.Write(encoded)
	return hmac.Equal(mac.Sum(nil), orig)
}
