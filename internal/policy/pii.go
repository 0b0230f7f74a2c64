package policy

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaskedFullName = "[ФИО ЗАМАСКИРОВАНО]"
	MaskedPhone    = "[ТЕЛЕФОН ЗАМАСКИРОВАН]"
	MaskedEmail    = "[EMAIL ЗАМАСКИРОВАН]"
)

var (
	emailPattern = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phonePattern = regexp.MustCompile(`(?:\+7|8)?[ \-.(]*(\d{3})[ \-.)]*(\d{3})[ \-.]*(\d{2})[ \-.]*(\d{2})\b`)
	// Surname (optionally double-barrelled), first name and an optional patronymic.
	fullNamePattern = regexp.MustCompile(`([А-ЯЁ][а-яё]+(?:-[А-ЯЁ][а-яё]+)?)\s+([А-ЯЁ][а-яё]+)(?:\s+([А-ЯЁ][а-яё]+))?`)
)

// placeWords are capitalised words of multi-word place names. A match that
// contains one of them is a city or region, not a person.
var placeWords = map[string]struct{}{
	"нижний": {}, "нижняя": {}, "великий": {}, "новгород": {}, "санкт": {}, "петербург": {},
	"ростов": {}, "дону": {}, "набережные": {}, "челны": {}, "старый": {}, "оскол": {},
	"новый": {}, "уренгой": {}, "йошкар": {}, "ола": {}, "улан": {}, "удэ": {},
	"сергиев": {}, "посад": {}, "павловский": {}, "петропавловск": {}, "камчатский": {},
	"южно": {}, "сахалинск": {}, "комсомольск": {}, "амуре": {}, "минеральные": {}, "воды": {},
	"вышний": {}, "волочек": {}, "волочёк": {}, "белая": {}, "калитва": {}, "гусь": {}, "хрустальный": {},
	"орехово": {}, "зуево": {}, "каменск": {}, "уральский": {}, "шахтинский": {},
	"московская": {}, "ленинградская": {}, "область": {}, "край": {}, "республика": {},
	"российская": {}, "федерация": {},
}

// PII is the result of scanning one candidate message.
type PII struct {
	Masked   string
	FullName string
	Phone    string
}

// ExtractAndMask replaces phone numbers, e-mails and full names in text with
// placeholders. The first phone (normalised to 7XXXXXXXXXX) and the first full
// name found are returned separately.
func ExtractAndMask(text string) PII {
	if strings.TrimSpace(text) == "" {
		return PII{}
	}

	result := PII{}
	masked := emailPattern.ReplaceAllString(text, MaskedEmail)

	masked = replaceAllSubmatchFunc(phonePattern, masked, func(source string, groups []int) (string, bool) {
		if groups[0] > 0 && isDigitBefore(source, groups[0]) {
			return "", false
		}
		digits := source[groups[2]:groups[3]] + source[groups[4]:groups[5]] + source[groups[6]:groups[7]] + source[groups[8]:groups[9]]
		if result.Phone == "" {
			result.Phone = "7" + digits
		}
		return leadingSeparators(source[groups[0]:groups[1]]) + MaskedPhone, true
	})

	masked = replaceAllSubmatchFunc(fullNamePattern, masked, func(source string, groups []int) (string, bool) {
		if groups[0] > 0 && isLetterBefore(source, groups[0]) {
			return "", false
		}
		if groups[1] < len(source) && isLetterAt(source, groups[1]) {
			return "", false
		}
		if containsPlaceWord(source[groups[0]:groups[1]]) {
			return "", false
		}
		if result.FullName == "" {
			result.FullName = source[groups[0]:groups[1]]
		}
		return MaskedFullName, true
	})

	result.Masked = masked
	return result
}

// MaskPIIString masks PII in free text without keeping the extracted values.
func MaskPIIString(value string) string {
	return ExtractAndMask(value).Masked
}

// MaskFullName hides first name and patronymic: "Иванов Иван Иванович" -> "Иванов И*** И***".
func MaskFullName(fullName string) string {
	parts := strings.Fields(fullName)
	if len(parts) == 0 {
		return ""
	}
	masked := []string{parts[0]}
	for _, part := range parts[1:] {
		first, _ := utf8.DecodeRuneInString(part)
		masked = append(masked, string(first)+"***")
	}
	return strings.Join(masked, " ")
}

// MaskPhone keeps the operator code and the last two digits.
func MaskPhone(phone string) string {
	digits := make([]rune, 0, len(phone))
	for _, char := range phone {
		if char >= '0' && char <= '9' {
			digits = append(digits, char)
		}
	}
	if len(digits) < 10 {
		return MaskedPhone
	}
	if len(digits) > 10 {
		digits = digits[len(digits)-10:]
	}
	return "+7(" + string(digits[0:3]) + ")***-**-" + string(digits[8:])
}

func replaceAllSubmatchFunc(
	pattern *regexp.Regexp,
	source string,
	replace func(source string, groups []int) (string, bool),
) string {
	matches := pattern.FindAllStringSubmatchIndex(source, -1)
	if len(matches) == 0 {
		return source
	}

	builder := strings.Builder{}
	last := 0
	for _, groups := range matches {
		replacement, ok := replace(source, groups)
		if !ok {
			continue
		}
		builder.WriteString(source[last:groups[0]])
		builder.WriteString(replacement)
		last = groups[1]
	}
	builder.WriteString(source[last:])
	return builder.String()
}

func leadingSeparators(match string) string {
	trimmed := strings.TrimLeft(match, " ")
	return match[:len(match)-len(trimmed)]
}

func containsPlaceWord(match string) bool {
	words := strings.FieldsFunc(match, func(char rune) bool {
		return unicode.IsSpace(char) || char == '-'
	})
	for _, word := range words {
		if _, ok := placeWords[strings.ToLower(word)]; ok {
			return true
		}
	}
	return false
}

func isDigitBefore(source string, index int) bool {
	char, _ := utf8.DecodeLastRuneInString(source[:index])
	return unicode.IsDigit(char)
}

func isLetterBefore(source string, index int) bool {
	char, _ := utf8.DecodeLastRuneInString(source[:index])
	return unicode.IsLetter(char)
}

func isLetterAt(source string, index int) bool {
	char, _ := utf8.DecodeRuneInString(source[index:])
	return unicode.IsLetter(char)
}
