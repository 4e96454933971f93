// Package certstatus builds signer certificate chains and classifies the
// resulting chain status into a small severity taxonomy.
package certstatus

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/digitorus/pkgsign/signature"
)

// ChainStatus is a bitmask of problems found while building and checking a
// certificate chain. The values follow the X.509 chain status flags used by
// platform chain engines.
type ChainStatus uint32

const (
	NotTimeValid                     ChainStatus = 0x00000001
	NotTimeNested                    ChainStatus = 0x00000002
	Revoked                          ChainStatus = 0x00000004
	NotSignatureValid                ChainStatus = 0x00000008
	NotValidForUsage                 ChainStatus = 0x00000010
	UntrustedRoot                    ChainStatus = 0x00000020
	RevocationStatusUnknown          ChainStatus = 0x00000040
	Cyclic                           ChainStatus = 0x00000080
	InvalidExtension                 ChainStatus = 0x00000100
	InvalidPolicyConstraints         ChainStatus = 0x00000200
	InvalidBasicConstraints          ChainStatus = 0x00000400
	InvalidNameConstraints           ChainStatus = 0x00000800
	HasNotSupportedNameConstraint    ChainStatus = 0x00001000
	HasNotDefinedNameConstraint      ChainStatus = 0x00002000
	HasNotPermittedNameConstraint    ChainStatus = 0x00004000
	HasExcludedNameConstraint        ChainStatus = 0x00008000
	PartialChain                     ChainStatus = 0x00010000
	CtlNotTimeValid                  ChainStatus = 0x00020000
	CtlNotSignatureValid             ChainStatus = 0x00040000
	CtlNotValidForUsage              ChainStatus = 0x00080000
	HasWeakSignature                 ChainStatus = 0x00100000
	OfflineRevocation                ChainStatus = 0x01000000
	NoIssuanceChainPolicy            ChainStatus = 0x02000000
	ExplicitDistrust                 ChainStatus = 0x04000000
	HasNotSupportedCriticalExtension ChainStatus = 0x08000000

	NoError ChainStatus = 0
)

// knownFlags lists the flags that do not corrupt a chain on their own. Cyclic
// and NotSignatureValid are left out on purpose, as is every flag outside the
// classic set.
const knownFlags = NotTimeValid | NotTimeNested | Revoked | NotValidForUsage |
	UntrustedRoot | RevocationStatusUnknown | InvalidExtension |
	InvalidPolicyConstraints | InvalidBasicConstraints | InvalidNameConstraints |
	HasNotSupportedNameConstraint | HasNotDefinedNameConstraint |
	HasNotPermittedNameConstraint | HasExcludedNameConstraint | PartialChain |
	CtlNotTimeValid | CtlNotSignatureValid | CtlNotValidForUsage |
	OfflineRevocation | NoIssuanceChainPolicy

const cannotBeVerifiedFlags = HasExcludedNameConstraint | HasNotDefinedNameConstraint |
	HasNotPermittedNameConstraint | HasNotSupportedNameConstraint |
	InvalidBasicConstraints | InvalidExtension | InvalidNameConstraints |
	InvalidPolicyConstraints | NoIssuanceChainPolicy

const issuerNotTrustedFlags = PartialChain | UntrustedRoot

// Classify maps a chain status to a certificate status. The most severe bucket
// wins: any unknown flag, then CannotBeVerified, IssuerNotTrusted, Revoked and
// Expired.
func Classify(flags ChainStatus) signature.CertificateStatus {
	switch {
	case flags&^knownFlags != 0:
		return signature.Corrupted
	case flags&cannotBeVerifiedFlags != 0:
		return signature.CannotBeVerified
	case flags&issuerNotTrustedFlags != 0:
		return signature.IssuerNotTrusted
	case flags&Revoked != 0:
		return signature.Revoked
	case flags&NotTimeValid != 0:
		return signature.Expired
	default:
		return signature.Ok
	}
}

// Has reports whether every bit of flag is set.
func (f ChainStatus) Has(flag ChainStatus) bool {
	return f&flag == flag
}

var flagNames = map[ChainStatus]string{
	NotTimeValid:                     "NotTimeValid",
	NotTimeNested:                    "NotTimeNested",
	Revoked:                          "Revoked",
	NotSignatureValid:                "NotSignatureValid",
	NotValidForUsage:                 "NotValidForUsage",
	UntrustedRoot:                    "UntrustedRoot",
	RevocationStatusUnknown:          "RevocationStatusUnknown",
	Cyclic:                           "Cyclic",
	InvalidExtension:                 "InvalidExtension",
	InvalidPolicyConstraints:         "InvalidPolicyConstraints",
	InvalidBasicConstraints:          "InvalidBasicConstraints",
	InvalidNameConstraints:           "InvalidNameConstraints",
	HasNotSupportedNameConstraint:    "HasNotSupportedNameConstraint",
	HasNotDefinedNameConstraint:      "HasNotDefinedNameConstraint",
	HasNotPermittedNameConstraint:    "HasNotPermittedNameConstraint",
	HasExcludedNameConstraint:        "HasExcludedNameConstraint",
	PartialChain:                     "PartialChain",
	CtlNotTimeValid:                  "CtlNotTimeValid",
	CtlNotSignatureValid:             "CtlNotSignatureValid",
	CtlNotValidForUsage:              "CtlNotValidForUsage",
	HasWeakSignature:                 "HasWeakSignature",
	OfflineRevocation:                "OfflineRevocation",
	NoIssuanceChainPolicy:            "NoIssuanceChainPolicy",
	ExplicitDistrust:                 "ExplicitDistrust",
	HasNotSupportedCriticalExtension: "HasNotSupportedCriticalExtension",
}

func (f ChainStatus) String() string {
	if f == NoError {
		return "NoError"
	}
	var names []string
	for rest := f; rest != 0; {
		bit := ChainStatus(1) << bits.TrailingZeros32(uint32(rest))
		rest &^= bit
		if name, ok := flagNames[bit]; ok {
			names = append(names, name)
		} else {
			names = append(names, fmt.Sprintf("%#x", uint32(bit)))
		}
	}
	return strings.Join(names, "|")
}
