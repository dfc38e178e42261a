package dvm

import (
	"fmt"
	"strings"
)

// parseDescriptor splits a method descriptor such as
// "([Ljava/lang/String;I)V" into its parameter and return types.
func parseDescriptor(desc string) (params []string, ret string, err error) {
	if !strings.HasPrefix(desc, "(") {
		return nil, "", fmt.Errorf("descriptor %q: missing '('", desc)
	}
	i := 1
	for i < len(desc) && desc[i] != ')' {
		n, err := typeLen(desc[i:])
		if err != nil {
			return nil, "", fmt.Errorf("descriptor %q: %w", desc, err)
		}
		params = append(params, desc[i:i+n])
		i += n
	}
	if i >= len(desc) {
		return nil, "", fmt.Errorf("descriptor %q: missing ')'", desc)
	}
	ret = desc[i+1:]
	if ret == "" {
		return nil, "", fmt.Errorf("descriptor %q: missing return type", desc)
	}
	if n, err := typeLen(ret); err != nil || n != len(ret) {
		return nil, "", fmt.Errorf("descriptor %q: bad return type", desc)
	}
	return params, ret, nil
}

// typeLen returns the length of the type descriptor at the start of s.
func typeLen(s string) (int, error) {
	dims := 0
	for dims < len(s) && s[dims] == '[' {
		dims++
	}
	if dims == len(s) {
		return 0, fmt.Errorf("truncated type %q", s)
	}
	switch s[dims] {
	case 'Z', 'B', 'C', 'S', 'I', 'J', 'F', 'D':
		return dims + 1, nil
	case 'V':
		if dims > 0 {
			return 0, fmt.Errorf("array of void in %q", s)
		}
		return 1, nil
	case 'L':
		end := strings.IndexByte(s[dims:], ';')
		if end < 2 {
			return 0, fmt.Errorf("bad class type %q", s)
		}
		return dims + end + 1, nil
	}
	return 0, fmt.Errorf("unknown type %q", s[dims:dims+1])
}

// argSlots counts the registers the parameters occupy. Wide types take two.
func argSlots(params []string) int {
	n := 0
	for _, p := range params {
		n++
		if p == "J" || p == "D" {
			n++
		}
	}
	return n
}

// classDescriptor converts "java/lang/Object" to "Ljava/lang/Object;".
func classDescriptor(name string) string {
	if strings.HasPrefix(name, "[") {
		return name
	}
	return "L" + name + ";"
}

// className converts "Ljava/lang/Object;" or "java.lang.Object" to
// "java/lang/Object".
func className(s string) string {
	if strings.HasPrefix(s, "L") && strings.HasSuffix(s, ";") {
		s = s[1 : len(s)-1]
	}
	return strings.ReplaceAll(s, ".", "/")
}

// dotted converts "java/lang/Object" to "java.lang.Object".
func dotted(name string) string {
	return strings.ReplaceAll(name, "/", ".")
}
