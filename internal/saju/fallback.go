package saju

import "time"

// FallbackCompatibility computes a compatibility result from the two birth
// dates alone. It is pure arithmetic with no randomness or clock, so two
// failed API calls with the same inputs always show the user the same
// numbers.
func FallbackCompatibility(birthDate1, birthDate2 string) CompatibilityResult {
	n1 := dateDigest(birthDate1)
	n2 := dateDigest(birthDate2)
	combined := n1*31 + n2*17

	score := 50 + combined%41 // 50..90

	sub := map[string]int{
		"elements":    40 + (combined/7)%56,  // 40..95
		"zodiac":      35 + (combined/11)%61, // 35..95
		"temperament": 45 + (combined/13)%51, // 45..95
	}

	return CompatibilityResult{
		Score:     score,
		SubScores: sub,
		Advice:    adviceFor(score),
		Fallback:  true,
	}
}

// dateDigest folds a YYYY-MM-DD date into a stable integer. Unparseable
// dates fold their raw bytes instead, still deterministically.
func dateDigest(date string) int {
	if t, err := time.Parse("2006-01-02", date); err == nil {
		return t.Year()*10000 + int(t.Month())*100 + t.Day()
	}
	n := 0
	for _, b := range []byte(date) {
		n = n*31 + int(b)
	}
	if n < 0 {
		n = -n
	}
	return n
}

func adviceFor(score int) string {
	switch {
	case score >= 85:
		return "천생연분입니다. 서로의 기운이 잘 어울려요."
	case score >= 75:
		return "좋은 궁합입니다. 서로를 존중하면 더욱 깊어집니다."
	case score >= 65:
		return "무난한 궁합입니다. 대화로 차이를 좁혀보세요."
	default:
		return "노력이 필요한 궁합입니다. 서로의 다름을 이해하는 것이 중요해요."
	}
}
