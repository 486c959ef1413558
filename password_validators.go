package schild

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	_ "embed"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	goerrors "github.com/goliatone/go-errors"
)

// PasswordValidator checks a candidate password for a user. A failed
// Result carries the reason and, in ExtraInfo, a suggestion.
type PasswordValidator interface {
	Check(ctx context.Context, password string, user *User) (Result, error)
}

// PasswordValidatorFunc adapts a function to PasswordValidator
type PasswordValidatorFunc func(ctx context.Context, password string, user *User) (Result, error)

func (f PasswordValidatorFunc) Check(ctx context.Context, password string, user *User) (Result, error) {
	return f(ctx, password, user)
}

// PersonalDataFunc returns extra personal values of a user keyed by field
// name. Only the fields listed in passwords.personal_fields are used.
type PersonalDataFunc func(user *User) map[string]string

// CompositionValidator enforces the minimum length in runes
type CompositionValidator struct {
	MinimumLength int
}

func (v CompositionValidator) Check(_ context.Context, password string, _ *User) (Result, error) {
	if v.MinimumLength <= 0 {
		return Result{}, ErrMinimumPasswordLength
	}
	if utf8.RuneCountInString(password) < v.MinimumLength {
		return failureWith(ReasonPasswordLength, SuggestPasswordLength), nil
	}
	return success(nil), nil
}

var trivialWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "as": {}, "at": {}, "but": {}, "for": {}, "if": {},
	"in": {}, "not": {}, "of": {}, "or": {}, "so": {}, "the": {}, "then": {},
}

var nonWord = regexp.MustCompile(`[\W_]+`)

// NothingPersonalValidator rejects passwords built from the user's own data
type NothingPersonalValidator struct {
	PersonalFields []string
	MaxSimilarity  int
	PersonalData   PersonalDataFunc
}

func (v NothingPersonalValidator) Check(_ context.Context, password string, user *User) (Result, error) {
	password = strings.ToLower(password)

	if !v.isNotPersonal(password, user) {
		return failureWith(ReasonPasswordPersonal, SuggestPasswordPersonal), nil
	}
	if !v.isNotSimilar(password, user) {
		return failureWith(ReasonPasswordTooSimilar, SuggestPasswordTooSimilar), nil
	}
	return success(nil), nil
}

func (v NothingPersonalValidator) isNotPersonal(password string, user *User) bool {
	username := strings.ToLower(user.Username)
	email := strings.ToLower(user.Email)

	if password == username || password == email || password == reverse(username) {
		return false
	}

	needles := stripExplode(username)

	local, domain, _ := strings.Cut(email, "@")
	needles = append(needles, stripExplode(local)...)
	if domain != "" {
		needles = append(needles, domain)
	}

	if v.PersonalData != nil && len(v.PersonalFields) > 0 {
		data := v.PersonalData(user)
		for _, field := range v.PersonalFields {
			if val := data[field]; val != "" {
				needles = append(needles, strings.ToLower(val))
			}
		}
	}

	for _, haystack := range stripExplode(password) {
		if skipPart(haystack) {
			continue
		}
		for _, needle := range needles {
			if skipPart(needle) {
				continue
			}
			if strings.Contains(haystack, needle) || strings.Contains(needle, haystack) {
				return false
			}
		}
	}
	return true
}

func (v NothingPersonalValidator) isNotSimilar(password string, user *User) bool {
	if user.Username == "" {
		return true
	}

	limit := v.MaxSimilarity
	if limit < 1 {
		limit = 0
	} else if limit > 100 {
		limit = 100
	}
	if limit == 0 {
		return true
	}

	return similarityPercent(password, strings.ToLower(user.Username)) < float64(limit)
}

func skipPart(s string) bool {
	if s == "" || utf8.RuneCountInString(s) < 3 {
		return true
	}
	_, trivial := trivialWords[s]
	return trivial
}

// stripExplode splits on non word runs, with the untouched input first
func stripExplode(s string) []string {
	parts := strings.Split(strings.TrimSpace(nonWord.ReplaceAllString(s, " ")), " ")
	for _, p := range parts {
		if p == s {
			return parts
		}
	}
	return append([]string{s}, parts...)
}

func reverse(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

//go:embed wordlist.txt
var defaultWordlist []byte

// DictionaryValidator rejects passwords found in a wordlist. Path
// overrides the embedded list.
type DictionaryValidator struct {
	Path string
}

func (v DictionaryValidator) Check(_ context.Context, password string, _ *User) (Result, error) {
	var src io.Reader = bytes.NewReader(defaultWordlist)
	if v.Path != "" {
		f, err := os.Open(v.Path)
		if err != nil {
			return Result{}, wrapInternal(err, "open password dictionary")
		}
		defer f.Close()
		src = f
	}

	scanner := bufio.NewScanner(src)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == password {
			return failureWith(ReasonPasswordCommon, SuggestPasswordCommon), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, wrapInternal(err, "read password dictionary")
	}
	return success(nil), nil
}

// ErrPwnedRangeMalformed is returned when the breach range response
// cannot be parsed
var ErrPwnedRangeMalformed = goerrors.New("malformed breach range response", goerrors.CategoryOperation).
	WithTextCode(TextCodeBreachRangeMalformed).
	WithCode(goerrors.CodeInternal)

// PwnedUnverified is set as ExtraInfo when the breach service could not
// be reached and the password was let through
const PwnedUnverified = "pwnedUnverified"

// PwnedValidator queries a k-anonymity breach range API
type PwnedValidator struct {
	Endpoint string
	Timeout  time.Duration
	Client   *http.Client
	Logger   Logger
}

func (v PwnedValidator) Check(ctx context.Context, password string, _ *User) (Result, error) {
	sum := sha1.Sum([]byte(password))
	hash := strings.ToUpper(hex.EncodeToString(sum[:]))
	prefix, suffix := hash[:5], hash[5:]

	if v.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.Endpoint+prefix, nil)
	if err != nil {
		return Result{}, wrapInternal(err, "build breach range request")
	}
	req.Header.Set("Accept", "text/plain")

	client := v.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := normalizeLogger(v.Logger)

	res, err := client.Do(req)
	if err != nil {
		logger.Warn("breach range lookup failed", "error", err)
		return success(PwnedUnverified), nil
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		logger.Warn("breach range lookup failed", "status", res.StatusCode)
		return success(PwnedUnverified), nil
	}

	scanner := bufio.NewScanner(res.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		candidate, count, ok := strings.Cut(line, ":")
		if !ok {
			return Result{}, withMetadata(ErrPwnedRangeMalformed, map[string]any{"line": line})
		}
		if !strings.EqualFold(candidate, suffix) {
			continue
		}
		hits, err := strconv.Atoi(strings.TrimSpace(count))
		if err != nil {
			return Result{}, withMetadata(ErrPwnedRangeMalformed, map[string]any{"line": line})
		}
		if hits > 0 {
			return Result{
				Success:   false,
				Reason:    ReasonPasswordPwned,
				ExtraInfo: SuggestPasswordPwned,
			}, nil
		}
		return success(nil), nil
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("breach range read failed", "error", err)
		return success(PwnedUnverified), nil
	}
	return success(nil), nil
}
