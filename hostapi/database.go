package hostapi

import (
	"errors"

	"github.com/MXWXZ/plugd/fault"
	"github.com/MXWXZ/plugd/security"
)

var errNoDatabase = errors.New("database not available")

func (h *Host) database(op string) error {
	if err := h.require(security.CapDatabase, op); err != nil {
		return err
	}
	if h.opts.DB == nil {
		return errNoDatabase
	}
	return h.opts.Meter.Charge(fault.ResourceDatabase, 1)
}

// Query runs a read statement on the plugin database and returns every row.
func (h *Host) Query(sql string, args ...interface{}) ([]map[string]interface{}, error) {
	if err := h.database("query"); err != nil {
		return nil, err
	}
	rows, err := h.opts.DB.WithContext(h.callContext()).Raw(sql, args...).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	ret := []map[string]interface{}{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		ret = append(ret, row)
	}
	return ret, rows.Err()
}

// Exec runs a write statement on the plugin database and returns affected rows.
func (h *Host) Exec(sql string, args ...interface{}) (int64, error) {
	if err := h.require(security.CapWrite, "exec"); err != nil {
		return 0, err
	}
	if err := h.database("exec"); err != nil {
		return 0, err
	}
	ret := h.opts.DB.WithContext(h.callContext()).Exec(sql, args...)
	return ret.RowsAffected, ret.Error
}
