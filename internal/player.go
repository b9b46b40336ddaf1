package internal

import (
	"math"
	"math/rand"
)

// Vec3 探索模式中的位置（球面上的單位向量）
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quaternion 船隻朝向
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Normalize 正規化，零向量原樣返回
func (v Vec3) Normalize() Vec3 {
	length := math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
	if length == 0 {
		return v
	}
	return Vec3{X: v.X / length, Y: v.Y / length, Z: v.Z / length}
}

// RandomSpawn 隨機出生點
func RandomSpawn(rng *rand.Rand) Vec3 {
	for {
		v := Vec3{X: rng.Float64() - 0.5, Y: rng.Float64() - 0.5, Z: rng.Float64() - 0.5}
		if v.X != 0 || v.Y != 0 || v.Z != 0 {
			return v.Normalize()
		}
	}
}

// Player 已登入的玩家
//
// Lobby 是名單的唯一擁有者；Session 持有的是建立對局時的副本。
type Player struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	IsPlaying     bool        `json:"isPlaying"`
	LinkToTwitter bool        `json:"linkToTwitter"`
	Position      Vec3        `json:"position"`
	Rotation      *Quaternion `json:"rotation"`
}

// clone 複製玩家（含 Rotation 指標內容）
func (p *Player) clone() Player {
	cp := *p
	if p.Rotation != nil {
		r := *p.Rotation
		cp.Rotation = &r
	}
	return cp
}
