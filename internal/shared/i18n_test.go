package shared

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"
)

func TestLocalizerTag(t *testing.T) {
	l := NewLocalizer("ar")

	tests := []struct {
		name   string
		header string
		want   language.Tag
	}{
		{name: "no header", want: language.Arabic},
		{name: "english", header: "en-US,en;q=0.9", want: language.English},
		{name: "arabic region", header: "ar-SA", want: language.Arabic},
		{name: "unsupported", header: "fr-FR", want: language.Arabic},
		{name: "garbage", header: ";;;", want: language.Arabic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Accept-Language", tt.header)
			}
			assert.Equal(t, tt.want, l.Tag(req))
		})
	}

	assert.Equal(t, language.English, NewLocalizer("en").Tag(nil))
	assert.Equal(t, language.Arabic, NewLocalizer("not a tag!").Tag(nil))
}

func TestLocalizerSprintf(t *testing.T) {
	l := NewLocalizer("ar")

	arabicReq := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "ليس لديك صلاحية للوصول إلى هذه الصفحة", l.Sprintf(arabicReq, MsgAccessDenied))

	englishReq := httptest.NewRequest(http.MethodGet, "/", nil)
	englishReq.Header.Set("Accept-Language", "en")
	assert.Equal(t, MsgAccessDenied, l.Sprintf(englishReq, MsgAccessDenied))
	assert.Equal(t, "3 permissions granted", l.Sprintf(englishReq, MsgBatchGranted, 3))

	var nilLocalizer *Localizer
	assert.Equal(t, MsgLoggedOut, nilLocalizer.Sprintf(arabicReq, MsgLoggedOut))
}
