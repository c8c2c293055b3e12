package harmony

import "strconv"

// Optional is a message argument that is either absent or present. A present
// empty string is not the same as an absent value: the engine renders
// "no system message" and "empty system message" differently.
type Optional struct {
	text    string
	present bool
}

// Absent returns the absent value.
func Absent() Optional { return Optional{} }

// Present wraps text, which may be empty.
func Present(text string) Optional { return Optional{text: text, present: true} }

// OptionalOf maps nil to Absent and anything else to Present.
func OptionalOf(p *string) Optional {
	if p == nil {
		return Absent()
	}
	return Present(*p)
}

// Get returns the text and whether it is present.
func (o Optional) Get() (string, bool) { return o.text, o.present }

// IsPresent reports whether a value was supplied.
func (o Optional) IsPresent() bool { return o.present }

func (o Optional) String() string {
	if !o.present {
		return "<absent>"
	}
	return strconv.Quote(o.text)
}
