package validation

import (
	"net"
	"regexp"
)

func ValidHostPort(hostAndPort string) error {
	_, _, err := net.SplitHostPort(hostAndPort)
	return err
}

// Constants obtained from https://github.com/kubernetes/apimachinery/blob/master/pkg/util/validation/validation.go
const (
	qnameCharFmt           = "[A-Za-z0-9]"
	qnameExtCharFmt        = "[-A-Za-z0-9_.]"
	qualifiedNameFmt       = "(" + qnameCharFmt + qnameExtCharFmt + "*)?" + qnameCharFmt
	QualifiedNameMaxLength = 63
	QualifiedNameErrMsg    = "must consist of alphanumeric characters, " +
		"'-', '_' or '.', and must start and end with an alphanumeric character"

	ModuleNameErrMsg = "must consist of lower case alphanumeric characters or '_', " +
		"and must start with a letter"
)

var (
	qualifiedNameRegexp = regexp.MustCompile("^" + qualifiedNameFmt + "$")
	moduleNameRegexp    = regexp.MustCompile("^[a-z][a-z0-9_]*$")
)

// ValidName reports whether str can name a virtual server or listener.
func ValidName(str string) bool {
	return str != "" && len(str) <= QualifiedNameMaxLength && qualifiedNameRegexp.MatchString(str)
}

// ValidModuleName reports whether str can reference a registered module.
func ValidModuleName(str string) bool {
	return len(str) <= QualifiedNameMaxLength && moduleNameRegexp.MatchString(str)
}
