package trust

import (
	"fmt"
	"strings"
	"time"

	"github.com/netsec-ethz/fpki-validator/pkg/common"
)

// Mode is the validation mode that produced a decision.
type Mode int

const (
	ModeLegacy Mode = iota
	ModePolicy
)

func (m Mode) String() string {
	switch m {
	case ModeLegacy:
		return "legacy"
	case ModePolicy:
		return "policy"
	}
	return fmt.Sprintf("unknown mode %d", int(m))
}

type Outcome string

const (
	OutcomePositive Outcome = "positive"
	OutcomeNegative Outcome = "negative"
)

// Evaluation is one check performed while deciding.
type Evaluation struct {
	Domain    string // Domain of the record checked.
	Check     string
	Authority string // CA set or PCA of the check.
	Level     int
	Violation *common.Violation // nil if the check passed.
}

const (
	CheckHigherTrustCA     = "higher-trust-ca"
	CheckTrustedCA         = "trusted-ca"
	CheckAllowedSubdomains = "allowed-subdomains"
)

const (
	ReasonHigherTrustCA = "more highly trusted CA detected"
	ReasonUntrustedCA   = "CA not trusted by policy"
	reasonNotAllowed    = "domain not allowed: "
)

// ReasonNotAllowed returns the violation reason for a subdomain not allowed by its parent.
func ReasonNotAllowed(domainName string) string {
	return reasonNotAllowed + domainName
}

// TrustDecision is the result of validating the connection to a domain.
type TrustDecision struct {
	Domain          string
	LeafFingerprint common.SHA256Output
	Mode            Mode
	Evaluations     []Evaluation
	Outcome         Outcome
	Err             error // Set for every negative decision.
	ValidUntil      time.Time
}

// Positive returns true if the connection can proceed.
func (d *TrustDecision) Positive() bool {
	return d.Outcome == OutcomePositive
}

// Violations returns the violations of all evaluations.
func (d *TrustDecision) Violations() []common.Violation {
	var violations []common.Violation
	for _, e := range d.Evaluations {
		if e.Violation != nil {
			violations = append(violations, *e.Violation)
		}
	}
	return violations
}

func (d *TrustDecision) String() string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "%s: %s (%s mode, %d checks)", d.Domain, d.Outcome, d.Mode, len(d.Evaluations))
	if d.Err != nil {
		fmt.Fprintf(&b, ": %s", d.Err)
	}
	return b.String()
}

// NegativeDecision returns a decision blocking the connection because of err.
func NegativeDecision(domainName string, leaf common.SHA256Output, err error) *TrustDecision {
	return &TrustDecision{
		Domain:          domainName,
		LeafFingerprint: leaf,
		Outcome:         OutcomeNegative,
		Err:             err,
	}
}
