package shared

import (
	"net/http"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Message keys. The English text doubles as the lookup key.
const (
	MsgLoginRequired       = "Please log in to access this page"
	MsgAccessDenied        = "You do not have permission to access this page"
	MsgPermissionGranted   = "Permission granted"
	MsgPermissionRevoked   = "Permission revoked"
	MsgPermissionUnchanged = "No change was needed"
	MsgBatchGranted        = "%d permissions granted"
	MsgBatchRevoked        = "%d permissions revoked"
	MsgUnknownPermission   = "Unknown permission key"
	MsgInvalidKey          = "Permission keys must look like namespace.action"
	MsgUserNotFound        = "User not found"
	MsgInvalidRequest      = "Invalid request"
	MsgStorageFailure      = "The change could not be saved"
	MsgModeSwitched        = "Operating mode switched"
	MsgModeNotAllowed      = "Only general admins can switch operating mode"
	MsgCatalogUpdated      = "Permission catalog updated"
	MsgCatalogDeleted      = "Permission removed from catalog"
	MsgWelcomeBack         = "Welcome back"
	MsgInvalidCredentials  = "Invalid email or password"
	MsgLoggedOut           = "You have been logged out"
	MsgUserCreated         = "User created"
	MsgBaselineQueued      = "Baseline permissions queued"

	TitleLogin = "Login"
	TitleHome  = "Dashboard"
)

var arabic = map[string]string{
	MsgLoginRequired:       "يرجى تسجيل الدخول للوصول إلى هذه الصفحة",
	MsgAccessDenied:        "ليس لديك صلاحية للوصول إلى هذه الصفحة",
	MsgPermissionGranted:   "تم منح الصلاحية",
	MsgPermissionRevoked:   "تم سحب الصلاحية",
	MsgPermissionUnchanged: "لم يتطلب الأمر أي تغيير",
	MsgBatchGranted:        "تم منح %d صلاحية",
	MsgBatchRevoked:        "تم سحب %d صلاحية",
	MsgUnknownPermission:   "مفتاح صلاحية غير معروف",
	MsgInvalidKey:          "يجب أن يكون مفتاح الصلاحية بصيغة القسم.الإجراء",
	MsgUserNotFound:        "المستخدم غير موجود",
	MsgInvalidRequest:      "طلب غير صالح",
	MsgStorageFailure:      "تعذر حفظ التغيير",
	MsgModeSwitched:        "تم تبديل وضع التشغيل",
	MsgModeNotAllowed:      "تبديل الوضع متاح للمدير العام فقط",
	MsgCatalogUpdated:      "تم تحديث سجل الصلاحيات",
	MsgCatalogDeleted:      "تم حذف الصلاحية من السجل",
	MsgWelcomeBack:         "مرحباً بعودتك",
	MsgInvalidCredentials:  "البريد الإلكتروني أو كلمة المرور غير صحيحة",
	MsgLoggedOut:           "تم تسجيل الخروج",
	MsgUserCreated:         "تم إنشاء المستخدم",
	MsgBaselineQueued:      "تمت جدولة الصلاحيات الأساسية",
	TitleLogin:             "تسجيل الدخول",
	TitleHome:              "لوحة التحكم",
}

// Localizer renders user-facing messages in the request language.
type Localizer struct {
	fallback  language.Tag
	supported []language.Tag
	matcher   language.Matcher
	catalog   catalog.Catalog
}

// NewLocalizer builds a Localizer for Arabic and English, falling back to
// defaultLocale when the request does not express a supported preference.
func NewLocalizer(defaultLocale string) *Localizer {
	supported := []language.Tag{language.Arabic, language.English}
	fallback := language.Arabic
	if tag, err := language.Parse(defaultLocale); err == nil {
		_, idx, conf := language.NewMatcher(supported).Match(tag)
		if conf != language.No {
			fallback = supported[idx]
		}
	}

	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for key, text := range arabic {
		_ = b.SetString(language.Arabic, key, text)
	}
	for key := range arabic {
		_ = b.SetString(language.English, key, key)
	}

	return &Localizer{
		fallback:  fallback,
		supported: supported,
		matcher:   language.NewMatcher(supported),
		catalog:   b,
	}
}

// Tag resolves the language for r from its Accept-Language header.
func (l *Localizer) Tag(r *http.Request) language.Tag {
	if l == nil {
		return language.English
	}
	if r == nil {
		return l.fallback
	}
	header := r.Header.Get("Accept-Language")
	if header == "" {
		return l.fallback
	}
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return l.fallback
	}
	_, idx, conf := l.matcher.Match(tags...)
	if conf == language.No {
		return l.fallback
	}
	return l.supported[idx]
}

// Sprintf formats key in the language of r.
func (l *Localizer) Sprintf(r *http.Request, key string, args ...any) string {
	if l == nil {
		return message.NewPrinter(language.English).Sprintf(key, args...)
	}
	return message.NewPrinter(l.Tag(r), message.Catalog(l.catalog)).Sprintf(key, args...)
}
