package guards

import "testing"

func TestSQLInjection_TruePositives(t *testing.T) {
	expectFail(t, NewSQLInjection(testCache(t)), []guardCase{
		{"union select", queryCtx("1 UNION SELECT username, password FROM users")},
		{"quoted tautology", queryCtx("admin' OR '1'='1")},
		{"numeric tautology", queryCtx("1 OR 1=1")},
		{"comment terminator", queryCtx("admin'--")},
		{"stacked drop", queryCtx("1; DROP TABLE users")},
		{"sleep blind", queryCtx("1' AND SLEEP(5)")},
		{"benchmark blind", queryCtx("1 AND BENCHMARK(1000000,MD5(1))")},
		{"schema enumeration", queryCtx("x UNION ALL SELECT table_name FROM information_schema.tables")},
		{"url encoded", queryCtx("1%20UNION%20SELECT%20password%20FROM%20users")},
		{"extra whitespace", queryCtx("1   union \t select  password")},
		{"json body", jsonCtx("POST", `{"username":"admin' OR 'a'='a","password":"x"}`)},
	})
}

func TestSQLInjection_TrueNegatives(t *testing.T) {
	expectPass(t, NewSQLInjection(testCache(t)), []guardCase{
		{"plain search", queryCtx("running shoes and socks")},
		{"union in prose", queryCtx("select a good union representative")},
		{"email", queryCtx("bob@example.com")},
		{"range", queryCtx("price 10-20")},
		{"json body", jsonCtx("POST", `{"name":"Alice","comment":"great product -- would buy again"}`)},
	})
}
