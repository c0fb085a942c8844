package iyzico

import "github.com/mstgnz/paygate/provider"

// Register iyzico with the gateway registry
func init() {
	provider.Register(providerName, NewGateway)
}
