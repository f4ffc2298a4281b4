package predict

// InputSize 是模型需要的答题数量。
const InputSize = 60

// Labels 是模型 16 个输出下标对应的 MBTI 类型，顺序固定。
var Labels = [16]string{
	"ENFJ", "ENFP", "ENTJ", "ENTP",
	"ESFJ", "ESFP", "ESTJ", "ESTP",
	"INFJ", "INFP", "INTJ", "INTP",
	"ISFJ", "ISFP", "ISTJ", "ISTP",
}

// IsLabel 判断字符串是否为合法 MBTI 类型。
func IsLabel(s string) bool {
	for _, l := range Labels {
		if l == s {
			return true
		}
	}
	return false
}
