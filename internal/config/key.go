package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/drand/tally/internal/fhe"
	"github.com/drand/tally/internal/fs"
)

// KeyTOML is the on-disk form of an oracle key pair.
type KeyTOML struct {
	Public string `toml:"public"`
	Secret string `toml:"secret,omitempty"`
}

// SaveKey writes kp to p, readable by the owner only. Only the public half is
// written when public is set.
func SaveKey(p string, kp *fhe.KeyPair, public bool) error {
	k := &KeyTOML{Public: fhe.PointToString(kp.Public)}
	if !public {
		k.Secret = fhe.ScalarToString(kp.Secret)
	}
	fd, err := fs.CreateSecureFile(p)
	if err != nil {
		return err
	}
	defer fd.Close()
	return toml.NewEncoder(fd).Encode(k)
}

// LoadKey reads a key pair written by SaveKey. Secret is nil for a public
// key file.
func LoadKey(p string) (*fhe.KeyPair, error) {
	k := new(KeyTOML)
	if _, err := toml.DecodeFile(p, k); err != nil {
		return nil, fmt.Errorf("reading key %s: %w", p, err)
	}
	pub, err := fhe.StringToPoint(k.Public)
	if err != nil {
		return nil, fmt.Errorf("key %s: public: %w", p, err)
	}
	kp := &fhe.KeyPair{Public: pub}
	if k.Secret != "" {
		if kp.Secret, err = fhe.StringToScalar(k.Secret); err != nil {
			return nil, fmt.Errorf("key %s: secret: %w", p, err)
		}
		if !fhe.Group.Point().Mul(kp.Secret, nil).Equal(pub) {
			return nil, fmt.Errorf("key %s: secret does not match the public key", p)
		}
	}
	return kp, nil
}
