package identity

// ActorClaims identifies the actor contract backing a session, carried in
// a bearer token that TokenManager.IssueToken signs and DecodeToken
// verifies against the key set. The core only needs the actor slug it
// carries to load the corresponding user-contract.
type ActorClaims struct {
	// ActorSlug is the slug of the user-contract this session acts as,
	// e.g. "user-jsmith".
	ActorSlug string `json:"actor_slug"`
}
