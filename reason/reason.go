// Package reason implements the stable reason-code catalog spec.md's
// Design Notes call for: Bogus/Insecure outcomes carry a Code that tests
// can assert on directly, plus a human-readable rendering for the SERVFAIL
// reason TXT record the orchestrator attaches.
package reason

import "fmt"

// Code identifies why a validation produced a non-Secure result. Codes are
// stable identifiers; only the Args attached to a particular occurrence
// change.
type Code string

const (
	NoDSRecords                 Code = "no_ds_records"
	NoSupportedDSAlgorithm      Code = "no_supported_ds_algorithm"
	KeysNotFound                Code = "keys_not_found"
	KeySigningKeyNotFound       Code = "key_signing_key_not_found"
	SignerNameMismatch          Code = "signer_name_mismatch"
	InvalidLabelCount           Code = "invalid_label_count"
	InvalidValidityPeriod       Code = "invalid_validity_period"
	InvalidSignature            Code = "invalid_signature"
	UnexpectedSignatureCount    Code = "unexpected_signature_count"
	MultipleWildcardSignatures  Code = "multiple_wildcard_signatures"
	WildcardProofMissing        Code = "wildcard_proof_missing"
	NSRecordOwnerMismatch       Code = "ns_record_owner_mismatch"
	DenialOfExistenceMissing    Code = "denial_of_existence_missing"
	NameErrorProofMissing       Code = "name_error_proof_missing"
	NodataProofMissing          Code = "nodata_proof_missing"
	NSEC3AllAlgorithmsIgnorable Code = "nsec3_all_algorithms_ignorable"
	DNAMESynthesisMismatch      Code = "dname_synthesis_mismatch"
	DSLookupLoop                Code = "ds_lookup_loop"
	UpstreamTimeout              Code = "upstream_timeout"
	UpstreamIOError               Code = "upstream_io_error"
	MalformedResponse            Code = "malformed_response"
	Failsafe                      Code = "failsafe_bogus"
)

// Reason pairs a stable Code with the arguments that produced it, so a test
// can assert on Code while a log line or TXT record gets the full message.
type Reason struct {
	Code Code
	Args []any
}

// New builds a Reason from a code and formatting arguments. Args are
// rendered lazily, only when String() is called.
func New(code Code, args ...any) *Reason {
	return &Reason{Code: code, Args: args}
}

// catalog maps each Code to a fmt-style template for its Args.
var catalog = map[Code]string{
	NoDSRecords:                 "no DS records available from the parent zone",
	NoSupportedDSAlgorithm:      "none of the DS records at %s use a supported algorithm",
	KeysNotFound:                "no DNSKEY records found for zone %s",
	KeySigningKeyNotFound:       "no DNSKEY in %s matches any DS record from the parent",
	SignerNameMismatch:          "rrsig signer name %s does not match expected zone %s",
	InvalidLabelCount:           "owner name %s has fewer labels than rrsig labels field %d",
	InvalidValidityPeriod:       "current time is outside the rrsig validity period (%s to %s, off by %s)",
	InvalidSignature:            "signature verification failed: %v",
	UnexpectedSignatureCount:    "found %d signatures for %d name/type combinations",
	MultipleWildcardSignatures:  "more than one wildcard-expanded rrset seen in one response",
	WildcardProofMissing:        "no nsec/nsec3 proof found for the wildcard expansion of %s",
	NSRecordOwnerMismatch:       "ns records in the authority section do not share one owner name",
	DenialOfExistenceMissing:    "response requires a denial-of-existence proof but none was found",
	NameErrorProofMissing:       "no nsec/nsec3 proof of name error found for %s",
	NodataProofMissing:          "no nsec/nsec3 proof of nodata found for %s %s",
	NSEC3AllAlgorithmsIgnorable: "every nsec3 record in the response uses an unsupported or over-iterated algorithm",
	DNAMESynthesisMismatch:      "cname at %s does not match the name synthesised from the preceding dname",
	DSLookupLoop:                "maximum number of ds lookups (%d) reached while finding keys for %s",
	UpstreamTimeout:              "upstream query for %s %s timed out",
	UpstreamIOError:              "upstream query for %s %s failed: %v",
	MalformedResponse:            "response failed to parse: %v",
	Failsafe:                     "unable to classify response as delegating, positive or negative",
}

// String renders the reason using its catalog template. Unknown codes
// render as the bare code, so a missing template never panics.
func (r *Reason) String() string {
	if r == nil {
		return ""
	}
	tmpl, ok := catalog[r.Code]
	if !ok {
		return string(r.Code)
	}
	return fmt.Sprintf(tmpl, r.Args...)
}

func (r *Reason) Error() string {
	return r.String()
}
