package smtpclient

import "encoding/base64"

func encodeSASL(data []byte) string {
	if len(data) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(data)
}

func decodeSASL(encoded string) ([]byte, error) {
	if encoded == "=" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(encoded)
}
