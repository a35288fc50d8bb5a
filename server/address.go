package server

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

// RFC 5322 compliant email validation regex
const LocalPartRegex = `^(?i)(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+(?:\.(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+)*$`
const DomainNameRegex = `^(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`

var (
	localPartRe = regexp.MustCompile(LocalPartRegex)
	domainRe    = regexp.MustCompile(DomainNameRegex)

	// SRS-encoded local parts start with "SRS<digit>=". Relays in between may
	// have mangled the case of the whole local part.
	srsPrefixRe = regexp.MustCompile(`(?i)^srs\d=`)

	// The signature/timestamp token pair right after the prefix:
	// a separator, four hex digits of HMAC, then two base32 timestamp chars.
	srsTokenRe = regexp.MustCompile(`(?i)^(srs\d)([-=+])([0-9a-f]{4})(=)([a-z2-7]{2})(=)`)
)

type Address struct {
	fullAddress string
	localPart   string
	domain      string
	detail      string
}

// NewAddress parses and canonicalizes an envelope address.
func NewAddress(address string) (Address, error) {
	trimmed := strings.TrimSpace(address)
	input := strings.ToLower(trimmed)

	if input == "" {
		return Address{}, fmt.Errorf("address is empty")
	}
	if strings.ContainsAny(input, " \t\n\r") {
		return Address{}, fmt.Errorf("address contains whitespace: '%s'", input)
	}

	atIndex := strings.LastIndex(input, "@")
	if atIndex <= 0 || atIndex == len(input)-1 {
		return Address{}, fmt.Errorf("address missing local part or domain: '%s'", input)
	}

	localPart := input[:atIndex]
	domain := input[atIndex+1:]

	// SRS local parts carry a case-sensitive signature; repair the case
	// mangling instead of folding.
	if srsPrefixRe.MatchString(localPart) {
		localPart = RepairSRSCase(trimmed[:strings.LastIndex(trimmed, "@")])
	} else if !localPartRe.MatchString(localPart) {
		return Address{}, fmt.Errorf("unacceptable local part: '%s'", localPart)
	}

	if !domainRe.MatchString(domain) {
		// The domain may be an internationalized name in Unicode form; those
		// fail the ASCII regex but are acceptable if punycode encoding works.
		if ascii, err := idna.Lookup.ToASCII(domain); err != nil || !domainRe.MatchString(ascii) {
			return Address{}, fmt.Errorf("unacceptable domain: '%s'", domain)
		}
	}

	// Decode punycode to the Unicode display form for the canonical address.
	if unicodeDomain, err := idna.Lookup.ToUnicode(domain); err == nil && unicodeDomain != "" {
		domain = unicodeDomain
	}

	detail := ""
	if plusIndex := strings.Index(localPart, "+"); plusIndex != -1 {
		detail = localPart[plusIndex+1:]
	}

	return Address{
		fullAddress: localPart + "@" + domain,
		localPart:   localPart,
		domain:      domain,
		detail:      detail,
	}, nil
}

func (a Address) FullAddress() string {
	return a.fullAddress
}

func (a Address) LocalPart() string {
	return a.localPart
}

func (a Address) Domain() string {
	return a.domain
}

func (a Address) Detail() string {
	return a.detail
}

// IsSRS reports whether the local part is a bounce-redirect (SRS) encoding.
func (a Address) IsSRS() bool {
	return srsPrefixRe.MatchString(a.localPart)
}

// BaseLocalPart returns the local part without the detail (everything before the "+")
func (a Address) BaseLocalPart() string {
	if plusIndex := strings.Index(a.localPart, "+"); plusIndex != -1 {
		return a.localPart[:plusIndex]
	}
	return a.localPart
}

// BaseAddress returns the address without the detail part (e.g., "user@domain.com" from "user+detail@domain.com")
func (a Address) BaseAddress() string {
	return a.BaseLocalPart() + "@" + a.domain
}

// ASCIIDomain returns the punycode (ASCII) form of the domain.
func (a Address) ASCIIDomain() string {
	if ascii, err := idna.Lookup.ToASCII(a.domain); err == nil {
		return ascii
	}
	return a.domain
}

// RepairSRSCase restores the case-sensitive tokens of an SRS local part that
// intermediate relays lowercased wholesale. The "SRSn=" prefix and the first
// signature/timestamp token pair are forced to uppercase; the embedded
// original address is left untouched because verification folds it anyway.
func RepairSRSCase(localPart string) string {
	m := srsTokenRe.FindStringSubmatch(localPart)
	if m == nil {
		// Prefix only; uppercase it so detection downstream is exact.
		if loc := srsPrefixRe.FindStringIndex(localPart); loc != nil {
			return strings.ToUpper(localPart[:loc[1]]) + localPart[loc[1]:]
		}
		return localPart
	}
	repaired := strings.ToUpper(m[1]) + m[2] + strings.ToUpper(m[3]) + m[4] + strings.ToUpper(m[5]) + m[6]
	return repaired + localPart[len(m[0]):]
}
