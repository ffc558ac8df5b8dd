package rating

// Tier names in ascending order of skill.
const (
	TierBronze      = "Bronze"
	TierSilver      = "Silver"
	TierGold        = "Gold"
	TierPlatinum    = "Platinum"
	TierDiamond     = "Diamond"
	TierMaster      = "Master"
	TierGrandmaster = "Grandmaster"
)

type band struct {
	name string
	min  int
	max  int // exclusive; 0 means unbounded
}

var bands = []band{
	{TierBronze, 0, 1000},
	{TierSilver, 1000, 1500},
	{TierGold, 1500, 2000},
	{TierPlatinum, 2000, 2500},
	{TierDiamond, 2500, 3000},
	{TierMaster, 3000, 3500},
	{TierGrandmaster, 3500, 0},
}

// TierInfo is a human-readable rating band. Division runs 1 (highest
// quarter of the band) to 4 (lowest); Grandmaster has a single division.
type TierInfo struct {
	Tier     string `json:"tier"`
	Division int    `json:"division"`
}

// TierFor maps a rating to its tier and division.
func TierFor(r int) TierInfo {
	if r < 0 {
		r = 0
	}
	for _, b := range bands {
		if b.max == 0 || r < b.max {
			if b.max == 0 {
				return TierInfo{Tier: b.name, Division: 1}
			}
			quarter := (b.max - b.min) / 4
			div := 4 - (r-b.min)/quarter
			if div < 1 {
				div = 1
			}
			if div > 4 {
				div = 4
			}
			return TierInfo{Tier: b.name, Division: div}
		}
	}
	return TierInfo{Tier: TierGrandmaster, Division: 1}
}
