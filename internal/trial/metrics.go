package trial

import "math"

// fitnessStats 计算一代适应度的平均值、最大值和最小值
func fitnessStats(fitness []float64) (avg, max, min float64) {
	if len(fitness) == 0 {
		return 0, 0, 0
	}

	max = fitness[0]
	min = fitness[0]
	sum := 0.0
	for _, f := range fitness {
		sum += f
		if f > max {
			max = f
		}
		if f < min {
			min = f
		}
	}
	return sum / float64(len(fitness)), max, min
}

// diversityIndex 根据种群的性状向量计算多样性指数。
// 公式：各维度标准差的平均值，除以0.5（[0,1]区间取值的最大标准差）
// 归一化到[0,1]并截断。种群服务自报多样性指数时以自报值为准，
// 本函数只在自报缺失时使用。
func diversityIndex(traits [][]float64) float64 {
	if len(traits) < 2 || len(traits[0]) == 0 {
		return 0
	}

	dims := len(traits[0])
	n := float64(len(traits))

	total := 0.0
	for d := 0; d < dims; d++ {
		mean := 0.0
		for _, tv := range traits {
			if d < len(tv) {
				mean += tv[d]
			}
		}
		mean /= n

		variance := 0.0
		for _, tv := range traits {
			v := 0.0
			if d < len(tv) {
				v = tv[d]
			}
			variance += (v - mean) * (v - mean)
		}
		variance /= n

		total += math.Sqrt(variance)
	}

	// 归一化：均匀分布在[0,1]两端时标准差达到最大值0.5
	index := (total / float64(dims)) / 0.5
	if index > 1 {
		index = 1
	}
	return index
}

// mutationStrength 根据多样性缺口计算变异注入强度，范围[0.1, 1.0]
func mutationStrength(threshold, observed float64) float64 {
	if threshold <= 0 {
		return 0.1
	}
	strength := (threshold - observed) / threshold
	if strength < 0.1 {
		strength = 0.1
	}
	if strength > 1.0 {
		strength = 1.0
	}
	return strength
}
