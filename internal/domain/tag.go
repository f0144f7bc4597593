package domain

import (
	"fmt"
	"strings"
)

// Tag - закрытый словарь классификации документа
type Tag string

const (
	TagUnclassified Tag = "unclassified"
	TagInvoice      Tag = "invoice"
	TagContract     Tag = "contract"
	TagPersonal     Tag = "personal"
	TagEducation    Tag = "education"
	TagMedical      Tag = "medical"
	TagFinance      Tag = "finance"
	TagLegal        Tag = "legal"
	TagOther        Tag = "other"
)

// ClassificationTags - категории, которые может вернуть классификатор.
// TagUnclassified сюда не входит: это только значение по умолчанию.
var ClassificationTags = []Tag{
	TagInvoice,
	TagContract,
	TagPersonal,
	TagEducation,
	TagMedical,
	TagFinance,
	TagLegal,
	TagOther,
}

func (t Tag) Valid() bool {
	if t == TagUnclassified {
		return true
	}
	for _, c := range ClassificationTags {
		if t == c {
			return true
		}
	}
	return false
}

func (t Tag) String() string {
	return string(t)
}

// ParseTag разбирает тег без учёта регистра
func ParseTag(s string) (Tag, error) {
	t := Tag(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown tag %q", ErrValidation, s)
	}
	return t, nil
}

func (t Tag) MarshalText() ([]byte, error) {
	if t == "" {
		return []byte(TagUnclassified), nil
	}
	return []byte(t), nil
}

func (t *Tag) UnmarshalText(b []byte) error {
	parsed, err := ParseTag(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
