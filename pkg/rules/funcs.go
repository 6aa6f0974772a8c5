package rules

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Func is a pure helper callable from rule expressions. Functions receive
// already-evaluated arguments and must not perform any I/O.
type Func func(args []any) (any, error)

// builtins is the allow-list of expression functions. Expressions cannot
// reach anything outside this table.
var builtins = map[string]Func{
	"lower":          fnLower,
	"upper":          fnUpper,
	"capitalize":     fnCapitalize,
	"trim":           fnTrim,
	"replace":        fnReplace,
	"truncate":       fnTruncate,
	"concat":         fnConcat,
	"default":        fnDefault,
	"normalize_name": fnNormalizeName,
	"slugify":        fnSlugify,
	"generate_login": fnGenerateLogin,
	"generate_email": fnGenerateEmail,
	"extract_domain": fnExtractDomain,
	"now":            fnNow,
	"date_format":    fnDateFormat,
}

func argCount(name string, args []any, min, max int) error {
	if len(args) < min || (max >= 0 && len(args) > max) {
		return fmt.Errorf("%s: wrong argument count %d", name, len(args))
	}
	return nil
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case time.Time:
		return s.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func fnLower(args []any) (any, error) {
	if err := argCount("lower", args, 1, 1); err != nil {
		return nil, err
	}
	return strings.ToLower(asString(args[0])), nil
}

func fnUpper(args []any) (any, error) {
	if err := argCount("upper", args, 1, 1); err != nil {
		return nil, err
	}
	return strings.ToUpper(asString(args[0])), nil
}

func fnCapitalize(args []any) (any, error) {
	if err := argCount("capitalize", args, 1, 1); err != nil {
		return nil, err
	}
	s := asString(args[0])
	if s == "" {
		return "", nil
	}
	r := []rune(strings.ToLower(s))
	r[0] = unicode.ToUpper(r[0])
	return string(r), nil
}

func fnTrim(args []any) (any, error) {
	if err := argCount("trim", args, 1, 1); err != nil {
		return nil, err
	}
	return strings.TrimSpace(asString(args[0])), nil
}

func fnReplace(args []any) (any, error) {
	if err := argCount("replace", args, 3, 3); err != nil {
		return nil, err
	}
	return strings.ReplaceAll(asString(args[0]), asString(args[1]), asString(args[2])), nil
}

func fnTruncate(args []any) (any, error) {
	if err := argCount("truncate", args, 2, 2); err != nil {
		return nil, err
	}
	n, err := toInt(args[1])
	if err != nil {
		return nil, fmt.Errorf("truncate: %w", err)
	}
	r := []rune(asString(args[0]))
	if n < 0 || n >= len(r) {
		return string(r), nil
	}
	return string(r[:n]), nil
}

func fnConcat(args []any) (any, error) {
	var b strings.Builder
	for _, a := range args {
		b.WriteString(asString(a))
	}
	return b.String(), nil
}

// fnDefault returns the fallback when the value is nil or an empty string.
func fnDefault(args []any) (any, error) {
	if err := argCount("default", args, 2, 2); err != nil {
		return nil, err
	}
	if args[0] == nil || asString(args[0]) == "" {
		return args[1], nil
	}
	return args[0], nil
}

// stripDiacritics removes combining marks after NFD decomposition, so that
// "Dupont-Müller" folds to "Dupont-Muller".
var stripDiacritics = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// fnNormalizeName lowercases a personal name, folds diacritics, and drops
// everything but letters, digits, and hyphens.
func fnNormalizeName(args []any) (any, error) {
	if err := argCount("normalize_name", args, 1, 1); err != nil {
		return nil, err
	}
	folded, _, err := transform.String(stripDiacritics, asString(args[0]))
	if err != nil {
		return nil, fmt.Errorf("normalize_name: %w", err)
	}
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(folded)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String(), nil
}

// fnSlugify folds the input like normalize_name but keeps word boundaries as
// single hyphens: "Jean  Dupont" becomes "jean-dupont".
func fnSlugify(args []any) (any, error) {
	if err := argCount("slugify", args, 1, 1); err != nil {
		return nil, err
	}
	folded, _, err := transform.String(stripDiacritics, asString(args[0]))
	if err != nil {
		return nil, fmt.Errorf("slugify: %w", err)
	}
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(folded) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteRune('-')
			lastHyphen = true
		}
	}
	return strings.TrimSuffix(b.String(), "-"), nil
}

// fnGenerateLogin builds "first.last" from a first and last name, with an
// optional third discriminator argument appended as "first.last.N".
func fnGenerateLogin(args []any) (any, error) {
	if err := argCount("generate_login", args, 2, 3); err != nil {
		return nil, err
	}
	first, err := fnNormalizeName(args[:1])
	if err != nil {
		return nil, err
	}
	last, err := fnNormalizeName(args[1:2])
	if err != nil {
		return nil, err
	}
	if first == "" || last == "" {
		return nil, fmt.Errorf("generate_login: empty name component")
	}
	login := fmt.Sprintf("%s.%s", first, last)
	if len(args) == 3 && asString(args[2]) != "" {
		login = fmt.Sprintf("%s.%s", login, asString(args[2]))
	}
	return login, nil
}

func fnGenerateEmail(args []any) (any, error) {
	if err := argCount("generate_email", args, 2, 2); err != nil {
		return nil, err
	}
	login := asString(args[0])
	domain := strings.TrimPrefix(asString(args[1]), "@")
	if login == "" || domain == "" {
		return nil, fmt.Errorf("generate_email: empty login or domain")
	}
	return fmt.Sprintf("%s@%s", login, domain), nil
}

func fnExtractDomain(args []any) (any, error) {
	if err := argCount("extract_domain", args, 1, 1); err != nil {
		return nil, err
	}
	addr := asString(args[0])
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return nil, fmt.Errorf("extract_domain: %q is not an email address", addr)
	}
	return addr[at+1:], nil
}

func fnNow(args []any) (any, error) {
	if err := argCount("now", args, 0, 0); err != nil {
		return nil, err
	}
	return time.Now().UTC(), nil
}

// strftime-style tokens supported by date_format.
var strftimeTokens = strings.NewReplacer(
	"%Y", "2006",
	"%m", "01",
	"%d", "02",
	"%H", "15",
	"%M", "04",
	"%S", "05",
)

// fnDateFormat formats a time value with a strftime-style layout:
// now() | date_format('%Y-%m-%d').
func fnDateFormat(args []any) (any, error) {
	if err := argCount("date_format", args, 2, 2); err != nil {
		return nil, err
	}
	var t time.Time
	switch v := args[0].(type) {
	case time.Time:
		t = v
	case string:
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("date_format: %w", err)
		}
		t = parsed
	default:
		return nil, fmt.Errorf("date_format: cannot format %T", args[0])
	}
	return t.Format(strftimeTokens.Replace(asString(args[1]))), nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		var i int
		if _, err := fmt.Sscanf(n, "%d", &i); err != nil {
			return 0, fmt.Errorf("not an integer: %q", n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("not an integer: %v", v)
	}
}
