package ratelimit

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

const (
	msgAPI    = "Too many requests from this IP, please try again in %d seconds."
	msgAuth   = "Too many login attempts from this IP, please try again in %d seconds."
	msgUpload = "Too many uploads from this IP, please try again in %d seconds."
)

var supportedLanguages = []language.Tag{
	language.English,
	language.SimplifiedChinese,
	language.Indonesian,
}

var languageMatcher = language.NewMatcher(supportedLanguages)

var messages = func() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	set := func(tag language.Tag, key, msg string) {
		_ = b.SetString(tag, key, msg)
	}
	set(language.English, msgAPI, msgAPI)
	set(language.English, msgAuth, msgAuth)
	set(language.English, msgUpload, msgUpload)

	set(language.SimplifiedChinese, msgAPI, "该 IP 请求过于频繁，请在 %d 秒后重试。")
	set(language.SimplifiedChinese, msgAuth, "该 IP 登录尝试次数过多，请在 %d 秒后重试。")
	set(language.SimplifiedChinese, msgUpload, "该 IP 上传次数过多，请在 %d 秒后重试。")

	set(language.Indonesian, msgAPI, "Terlalu banyak permintaan dari IP ini, silakan coba lagi dalam %d detik.")
	set(language.Indonesian, msgAuth, "Terlalu banyak percobaan masuk dari IP ini, silakan coba lagi dalam %d detik.")
	set(language.Indonesian, msgUpload, "Terlalu banyak unggahan dari IP ini, silakan coba lagi dalam %d detik.")
	return b
}()

// MatchLanguage picks the best supported language for an Accept-Language header.
func MatchLanguage(acceptLanguage string) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return language.English
	}
	_, idx, conf := languageMatcher.Match(tags...)
	if conf == language.No {
		return language.English
	}
	return supportedLanguages[idx]
}

// Message renders the rejection text for a limiter in the given language.
func Message(limiter string, tag language.Tag, retryAfter int) string {
	key := msgAPI
	switch limiter {
	case NameAuth:
		key = msgAuth
	case NameUpload:
		key = msgUpload
	}
	return message.NewPrinter(tag, message.Catalog(messages)).Sprintf(key, retryAfter)
}
