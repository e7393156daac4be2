package config

// Service is the secret store service name for every chatter secret.
const Service = "chatter"

// Keychain is the platform secret store: the macOS Keychain on darwin and a
// 0600 JSON file elsewhere. Get returns an error matching fs.ErrNotExist
// when the secret is absent.
type Keychain struct{}

func (Keychain) Get(service, account string) (string, error) {
	return keychainGet(service, account)
}

func (Keychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}
