package media

// DecisionKind enumerates transport decisions.
type DecisionKind string

const (
	DecisionRejected          DecisionKind = "rejected"
	DecisionConvertThenInline DecisionKind = "convert_then_inline"
	DecisionInlineAsIs        DecisionKind = "inline_as_is"
	DecisionOutOfBand         DecisionKind = "out_of_band"
)

// Decision is the result of classifying an attachment.
type Decision struct {
	Kind   DecisionKind
	Reason string
}

// Classify chooses how an attachment travels. It only looks at metadata and
// the profile, so it is deterministic and free of side effects.
func Classify(att RawAttachment, profile SizeProfile, role Role) Decision {
	size := att.ByteLength()
	if role == RoleImage {
		if size <= profile.MaxInbandBytes && profile.Supports(att.Mime) {
			return Decision{Kind: DecisionInlineAsIs}
		}
		return Decision{Kind: DecisionConvertThenInline}
	}
	switch {
	case size > profile.MaxExternBytes:
		return Decision{Kind: DecisionRejected, Reason: "exceeds extern limit"}
	case size > profile.MaxInbandBytes:
		return Decision{Kind: DecisionOutOfBand}
	default:
		return Decision{Kind: DecisionInlineAsIs}
	}
}

// Err returns the rejection error for a Rejected decision and nil otherwise.
func (d Decision) Err(att RawAttachment, profile SizeProfile) error {
	if d.Kind != DecisionRejected {
		return nil
	}
	return &RejectionError{Name: att.Name, Size: att.ByteLength(), Limit: profile.MaxExternBytes}
}
