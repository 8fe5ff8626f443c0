package common

// AccessTokenHeaderName is the gRPC metadata key used to carry the
// access token on inbound requests.
const AccessTokenHeaderName = "access_token"

// ShareTokenSize is the number of random bytes behind a public share token.
const ShareTokenSize = 32
