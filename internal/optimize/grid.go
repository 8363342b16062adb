package optimize

import (
	"fmt"
	"sort"
)

// Grid 为参数网格，键为参数名，值为候选取值。
type Grid map[string][]any

// Keys 返回排序后的参数名。
func (g Grid) Keys() []string {
	keys := make([]string, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Size 返回组合总数。
func (g Grid) Size() int {
	if len(g) == 0 {
		return 0
	}
	size := 1
	for _, values := range g {
		size *= len(values)
	}
	return size
}

// Validate 要求网格非空且每个参数至少有一个候选值。
func (g Grid) Validate() error {
	if len(g) == 0 {
		return fmt.Errorf("optimize: param_grid 不能为空")
	}
	for _, k := range g.Keys() {
		if len(g[k]) == 0 {
			return fmt.Errorf("optimize: 参数 %s 的候选值为空", k)
		}
	}
	return nil
}

// Combinations 返回完整笛卡尔积。参数名按字母序排列，最后一个参数变化最快。
func (g Grid) Combinations() []map[string]any {
	size := g.Size()
	if size == 0 {
		return nil
	}

	keys := g.Keys()
	combos := make([]map[string]any, 0, size)
	idx := make([]int, len(keys))
	for {
		combo := make(map[string]any, len(keys))
		for i, k := range keys {
			combo[k] = g[k][idx[i]]
		}
		combos = append(combos, combo)

		pos := len(keys) - 1
		for pos >= 0 {
			idx[pos]++
			if idx[pos] < len(g[keys[pos]]) {
				break
			}
			idx[pos] = 0
			pos--
		}
		if pos < 0 {
			return combos
		}
	}
}
