package deepwatch

// SettleVisits counts the edges settle has looked at so far.
func (r *Registry) SettleVisits() int { return r.settleVisits }
