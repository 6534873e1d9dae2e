package local

import (
	"strings"

	"github.com/MrWong99/hiyori/pkg/types"
)

// ParseSayVoices parses the output of `say -v ?`. Each line looks like
//
//	Ting-Ting           zh_CN    # 您好！我叫Ting-Ting。
//
// Voice names may contain spaces; the locale is the last field before '#'.
func ParseSayVoices(out string) []types.VoiceProfile {
	var voices []types.VoiceProfile
	for line := range strings.Lines(out) {
		head, sample, _ := strings.Cut(line, "#")
		fields := strings.Fields(head)
		if len(fields) < 2 {
			continue
		}
		locale := fields[len(fields)-1]
		name := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(head), locale))
		v := types.VoiceProfile{
			ID:       name,
			Name:     name,
			Provider: "local",
			Language: strings.ReplaceAll(locale, "_", "-"),
		}
		if s := strings.TrimSpace(sample); s != "" {
			v.Metadata = map[string]string{"sample": s}
		}
		voices = append(voices, v)
	}
	return voices
}

// ParseEspeakVoices parses the table printed by `espeak-ng --voices`:
//
//	Pty Language       Age/Gender VoiceName          File                 Other Languages
//	 5  cmn             --/M      Chinese_(Mandarin) sit/cmn              (zh-cmn 5)(zh 5)
//
// The language code is used as the voice ID since espeak-ng accepts it for -v.
func ParseEspeakVoices(out string) []types.VoiceProfile {
	var voices []types.VoiceProfile
	for line := range strings.Lines(out) {
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[0] == "Pty" {
			continue
		}
		v := types.VoiceProfile{
			ID:       fields[1],
			Name:     strings.ReplaceAll(fields[3], "_", " "),
			Provider: "local",
			Language: fields[1],
			Metadata: map[string]string{"gender": strings.TrimPrefix(fields[2], "--/")},
		}
		if len(fields) > 5 {
			var aliases []string
			for _, f := range fields[5:] {
				for _, part := range strings.Split(f, ")(") {
					part = strings.Trim(part, "()")
					if lang, _, ok := strings.Cut(part, " "); ok {
						aliases = append(aliases, lang)
					} else if part != "" && !isDigits(part) {
						aliases = append(aliases, part)
					}
				}
			}
			if len(aliases) > 0 {
				v.Metadata["aliases"] = strings.Join(aliases, ",")
			}
		}
		voices = append(voices, v)
	}
	return voices
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// localeAliases maps a locale family to language codes that belong to it but
// do not share its prefix.
var localeAliases = map[string][]string{
	"zh": {"cmn", "yue", "hak", "nan", "wuu"},
}

// InLocaleFamily reports whether v's language (or one of its aliases) belongs
// to family, e.g. "zh-CN", "zh_TW" and "cmn" are all in "zh".
func InLocaleFamily(v types.VoiceProfile, family string) bool {
	family = strings.ToLower(family)
	if family == "" {
		return false
	}
	langs := []string{v.Language}
	if a := v.Metadata["aliases"]; a != "" {
		langs = append(langs, strings.Split(a, ",")...)
	}
	for _, l := range langs {
		l = strings.ToLower(strings.ReplaceAll(l, "_", "-"))
		if l == family || strings.HasPrefix(l, family+"-") {
			return true
		}
		base, _, _ := strings.Cut(l, "-")
		for _, alias := range localeAliases[family] {
			if base == alias {
				return true
			}
		}
	}
	return false
}

// ResolveVoice picks a voice for selector:
//  1. a voice whose ID or Name equals selector (case-insensitive);
//  2. the first voice in the locale family;
//  3. none, meaning the engine default.
//
// The boolean is false when the engine default should be used.
func ResolveVoice(voices []types.VoiceProfile, selector, family string) (types.VoiceProfile, bool) {
	if selector != "" {
		for _, v := range voices {
			if strings.EqualFold(v.ID, selector) || strings.EqualFold(v.Name, selector) {
				return v, true
			}
		}
	}
	for _, v := range voices {
		if InLocaleFamily(v, family) {
			return v, true
		}
	}
	return types.VoiceProfile{}, false
}
