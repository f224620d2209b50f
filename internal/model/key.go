package model

type (
	// KeyPair is one KEM identity. PrivateKey never leaves the process.
	KeyPair struct {
		Scheme     string `json:"scheme" bson:"scheme"`
		PublicKey  []byte `json:"public_key" bson:"public_key"`
		PrivateKey []byte `json:"-" bson:"private_key"`
	}

	PublicKeyRequest struct {
		PublicKey string `json:"public_key"`
	}

	PublicKeyResponse struct {
		PublicKey *string `json:"public_key"`
	}

	PublicKeyExchangeResponse struct {
		Status          string  `json:"status"`
		ServerPublicKey *string `json:"server_public_key"`
	}
)
