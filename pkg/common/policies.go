package common

import (
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/exp/slices"
)

// PolicyCertificate is any policy document that can be exchanged among mapservers and
// clients.
type PolicyCertificate interface {
	Raw() []byte // The JSON the document was parsed from, nil if built in memory.
	Subject() string
	SerialNumber() int
}

// PolicyPartBase holds the fields shared by all policy documents issued by a PCA.
type PolicyPartBase struct {
	RawJSON []byte `json:"-"`
	Version int    `json:",omitempty"`
	Issuer  string `json:",omitempty"`
}

func (o PolicyPartBase) Raw() []byte { return o.RawJSON }

// Equal ignores RawJSON.
func (o PolicyPartBase) Equal(x PolicyPartBase) bool {
	return o.Version == x.Version && o.Issuer == x.Issuer
}

type PolicyCertificateBase struct {
	PolicyPartBase
	RawSubject      string `json:"Subject,omitempty"`
	RawSerialNumber int    `json:"SerialNumber,omitempty"`
}

func (o PolicyCertificateBase) Subject() string   { return o.RawSubject }
func (o PolicyCertificateBase) SerialNumber() int { return o.RawSerialNumber }
func (p PolicyCertificateBase) Equal(x PolicyCertificateBase) bool {
	return p.PolicyPartBase.Equal(x.PolicyPartBase) &&
		p.RawSubject == x.RawSubject &&
		p.RawSerialNumber == x.RawSerialNumber
}

// SP is a Signed Policy. The Issuer is the PCA that signed it, the Subject the domain it
// applies to.
type SP struct {
	PolicyCertificateBase
	Policies  DomainPolicy `json:",omitempty"`
	TimeStamp time.Time    `json:",omitempty"`
}

var _ PolicyCertificate = (*SP)(nil)

// DomainPolicy is a domain policy that specifies what is or not acceptable for a domain.
type DomainPolicy struct {
	TrustedCA         []string `json:",omitempty"`
	AllowedSubdomains []string `json:",omitempty"`
}

func NewSP(
	subject string,
	policy DomainPolicy,
	timeStamp time.Time,
	issuer string,
	serialNumber int,
) *SP {

	return &SP{
		PolicyCertificateBase: PolicyCertificateBase{
			PolicyPartBase: PolicyPartBase{
				Issuer: issuer,
			},
			RawSubject:      subject,
			RawSerialNumber: serialNumber,
		},
		Policies:  policy,
		TimeStamp: timeStamp,
	}
}

func (s SP) Equal(o SP) bool {
	return s.PolicyCertificateBase.Equal(o.PolicyCertificateBase) &&
		s.TimeStamp.Equal(o.TimeStamp) &&
		s.Policies.Equal(o.Policies)
}

func (s DomainPolicy) Equal(o DomainPolicy) bool {
	return slices.Equal(s.TrustedCA, o.TrustedCA) &&
		slices.Equal(s.AllowedSubdomains, o.AllowedSubdomains)
}

// IsEmpty returns true if the policy restricts nothing.
func (s DomainPolicy) IsEmpty() bool {
	return len(s.TrustedCA) == 0 && len(s.AllowedSubdomains) == 0
}

// SPFromJSON parses a signed policy payload, keeping the raw bytes.
func SPFromJSON(data []byte) (*SP, error) {
	sp := &SP{}
	if err := json.Unmarshal(data, sp); err != nil {
		return nil, fmt.Errorf("SPFromJSON | Unmarshal | %w", err)
	}
	sp.RawJSON = data
	return sp, nil
}

// ToJSON serializes a policy certificate.
func ToJSON(obj PolicyCertificate) ([]byte, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("ToJSON | Marshal | %w", err)
	}
	return data, nil
}
