package configutil

// SetDefault abstracts setting Viper defaults so that config packages
// do not depend on a Viper instance.
type SetDefault interface {
	SetDefault(key string, value any)
}

// SetDefaultFunc implements SetDefault.
type SetDefaultFunc func(key string, value any)

// SetDefault calls f. A nil f drops the default.
func (f SetDefaultFunc) SetDefault(key string, value any) {
	if f == nil {
		return
	}
	f(key, value)
}

// Prefix returns a SetDefault that prefixes every key with prefix and a dot
// before passing it to d.
func Prefix(prefix string, d SetDefault) SetDefault {
	return SetDefaultFunc(func(key string, value any) {
		d.SetDefault(prefix+"."+key, value)
	})
}
