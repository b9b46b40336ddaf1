package internal

import (
	"math/rand"

	apperrors "github.com/koopa0/armada-battleship/pkg/errors"
)

// 格子編碼：
//
//	0   空格（或對手未知）
//	>0  被該長度的艦艇佔據（只有擁有者看得到）
//	-1  開火未命中
//	-2  開火命中
//
// 格子一旦變成負數就不再改變。
const (
	CellEmpty = 0
	CellMiss  = -1
	CellHit   = -2
)

// MaxPlacementAttempts 每艘艦艇最多嘗試的隨機放置次數
const MaxPlacementAttempts = 1000

// Grid N×N 棋盤，grid[x][y]，x 為列、y 為欄
type Grid [][]int

// NewGrid 建立空棋盤
func NewGrid(size int) Grid {
	grid := make(Grid, size)
	for i := range grid {
		grid[i] = make([]int, size)
	}
	return grid
}

// Size 棋盤邊長
func (g Grid) Size() int {
	return len(g)
}

// InBounds 座標是否在棋盤內
func (g Grid) InBounds(x, y int) bool {
	return x >= 0 && y >= 0 && x < len(g) && y < len(g)
}

// Clone 深拷貝（發送給客戶端時使用，避免共享底層陣列）
func (g Grid) Clone() Grid {
	cp := make(Grid, len(g))
	for i := range g {
		cp[i] = append([]int(nil), g[i]...)
	}
	return cp
}

// Occupied 被艦艇佔據（含已命中）的格子數
func (g Grid) Occupied() int {
	n := 0
	for _, row := range g {
		for _, c := range row {
			if c > 0 || c == CellHit {
				n++
			}
		}
	}
	return n
}

// FleetSize 艦隊總格數
func FleetSize(lengths []int) int {
	total := 0
	for _, l := range lengths {
		total += l
	}
	return total
}

// PlaceFleet 隨機放置艦隊
//
// 依序放置每艘艦艇：隨機選擇起點與方向（水平/垂直），
// 所有覆蓋格都在界內且為空才接受，否則重新抽樣。
// 艦艇可以相鄰，只禁止重疊。
//
// 每艘艦艇最多嘗試 MaxPlacementAttempts 次，
// 超過或明顯放不下時回傳 ErrPlacementInfeasible。
func PlaceFleet(rng *rand.Rand, size int, lengths []int) (Grid, error) {
	if size <= 0 {
		return nil, apperrors.ErrPlacementInfeasible.WithDetails("grid size must be positive")
	}
	for _, l := range lengths {
		if l <= 0 || l > size {
			return nil, apperrors.ErrPlacementInfeasible.WithDetails("ship length out of range")
		}
	}
	if FleetSize(lengths) > size*size {
		return nil, apperrors.ErrPlacementInfeasible.WithDetails("fleet larger than grid")
	}

	grid := NewGrid(size)
	for _, length := range lengths {
		if !placeShip(rng, grid, length) {
			return nil, apperrors.ErrPlacementInfeasible
		}
	}
	return grid, nil
}

// placeShip 放置單艘艦艇，成功回傳 true
func placeShip(rng *rand.Rand, grid Grid, length int) bool {
	size := grid.Size()
	for attempt := 0; attempt < MaxPlacementAttempts; attempt++ {
		x := rng.Intn(size)
		y := rng.Intn(size)
		horizontal := rng.Intn(2) == 0

		if !fits(grid, x, y, length, horizontal) {
			continue
		}

		for i := 0; i < length; i++ {
			if horizontal {
				grid[x][y+i] = length
			} else {
				grid[x+i][y] = length
			}
		}
		return true
	}
	return false
}

func fits(grid Grid, x, y, length int, horizontal bool) bool {
	for i := 0; i < length; i++ {
		cx, cy := x, y
		if horizontal {
			cy += i
		} else {
			cx += i
		}
		if !grid.InBounds(cx, cy) || grid[cx][cy] != CellEmpty {
			return false
		}
	}
	return true
}
