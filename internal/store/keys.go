package store

import "fmt"

// Key layout in the coordination store:
//
//	sale:stock:{sale_id}           -> working counter (free units)
//	sale:hold:{sale_id}:{user_id}  -> reservation hold, value = qty, TTL'd
//	sale:queue:{sale_id}           -> ordered set, score = arrival unix millis
//	sales:active                   -> cached active sale ids (read-through warm)

func StockKey(saleID string) string {
	return fmt.Sprintf("sale:stock:%s", saleID)
}

func HoldKey(saleID, userID string) string {
	return fmt.Sprintf("sale:hold:%s:%s", saleID, userID)
}

func HoldPattern(saleID string) string {
	return fmt.Sprintf("sale:hold:%s:*", saleID)
}

func QueueKey(saleID string) string {
	return fmt.Sprintf("sale:queue:%s", saleID)
}

const ActiveSalesKey = "sales:active"
