package contracts

// RequestFacet is the request-side input to the receipt hash. Field order is
// irrelevant; hashing canonicalizes the facet first.
type RequestFacet struct {
	RequestID     string         `json:"requestId"`
	TenantID      string         `json:"tenantId"`
	Requester     string         `json:"requester"`
	Capability    string         `json:"capability"`
	QueryTemplate string         `json:"queryTemplate"`
	QueryParams   map[string]any `json:"queryParams"`
	AuthNonce     string         `json:"authNonce"`
	AuthSignedAt  string         `json:"authSignedAt"`
}

// RuntimeClaims are the confidential-runtime attestation claims surfaced in
// every receipt. The agent never mints these; it embeds what the runtime
// exposes at boot.
type RuntimeClaims struct {
	TrustModel              string `json:"trustModel"`
	AppID                   string `json:"appId"`
	ImageDigest             string `json:"imageDigest"`
	AttestationReportHash   string `json:"attestationReportHash"`
	OnchainDeploymentTxHash string `json:"onchainDeploymentTxHash"`
	ClaimsHash              string `json:"claimsHash"`
	VerificationStatus      string `json:"verificationStatus"`
	Verified                bool   `json:"verified"`
}

// VerificationFacet binds a receipt to the serving environment.
type VerificationFacet struct {
	Service         string        `json:"service"`
	Runtime         RuntimeClaims `json:"runtime"`
	DatabaseDialect string        `json:"databaseDialect"`
}

// Receipt is the tamper-evident envelope over the three facets. Identical
// inputs produce byte-identical receipts.
type Receipt struct {
	ReceiptID          string            `json:"receiptId"`
	RequestHash        string            `json:"requestHash"`
	DecisionHash       string            `json:"decisionHash"`
	VerificationHash   string            `json:"verificationHash"`
	RequestFacet       RequestFacet      `json:"requestFacet"`
	DecisionFacet      Decision          `json:"decisionFacet"`
	VerificationFacet  VerificationFacet `json:"verificationFacet"`
	HashAlgorithm      string            `json:"hashAlgorithm"`
	GeneratedAt        string            `json:"generatedAt,omitempty"`
	AttestationPresent bool              `json:"attestationPresent"`
}
