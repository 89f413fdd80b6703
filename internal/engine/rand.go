package engine

import (
	"crypto/rand"
	"math/big"
)

// secureRandInt возвращает криптографически стойкое случайное число в [0, max)
func secureRandInt(max int64) int64 {
	if max <= 0 {
		return 0
	}
	n, _ := rand.Int(rand.Reader, big.NewInt(max))
	return n.Int64()
}

// shuffleStrings перемешивает срез на месте (Fisher-Yates на crypto/rand)
func shuffleStrings(s []string) {
	for i := len(s) - 1; i > 0; i-- {
		j := secureRandInt(int64(i + 1))
		s[i], s[j] = s[j], s[i]
	}
}

// pickString выбирает случайный элемент; пустой срез - пустая строка
func pickString(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[secureRandInt(int64(len(s)))]
}
